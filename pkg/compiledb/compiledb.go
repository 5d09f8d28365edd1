// Package compiledb synthesizes compile_commands.json descriptors that let the
// analyzer compile a patched translation unit without running a build system.
package compiledb

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/src-d/enry/v2"
)

// Well-known names inside a workspace.
const (
	// FileName is the descriptor file name the analyzer expects.
	FileName = "compile_commands.json"
	// MiniRootName is the isolated directory holding the single exposed file.
	MiniRootName = "analysis_src"
)

// Default compiler executables.
const (
	DefaultCCompiler   = "/usr/bin/gcc"
	DefaultCXXCompiler = "/usr/bin/g++"
)

const (
	dirPerm  = 0o750
	filePerm = 0o600

	languageCPP = "C++"
)

// Sentinel errors.
var (
	ErrSourceMissing = errors.New("target source file missing")
	ErrNoSources     = errors.New("no compilable sources found")
	ErrUnknownMode   = errors.New("unknown synthesis mode")
)

var (
	sourceExtensions = map[string]bool{
		".c": true, ".cc": true, ".cpp": true, ".cxx": true, ".c++": true,
	}
	headerExtensions = map[string]bool{
		".h": true, ".hh": true, ".hpp": true, ".hxx": true, ".h++": true, ".inc": true,
	}
)

// Mode selects how much of the repository is exposed to the analyzer.
type Mode string

const (
	// ModeSingleFile exposes a mini-root containing only the patched file.
	ModeSingleFile Mode = "single"
	// ModeRepository exposes every source of the checked-out repository.
	ModeRepository Mode = "repository"
)

// ParseMode validates a synthesis mode name.
func ParseMode(name string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(name))) {
	case "", ModeSingleFile:
		return ModeSingleFile, nil
	case ModeRepository:
		return ModeRepository, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownMode, name)
	}
}

// Entry is one translation unit of a compilation database.
type Entry struct {
	Directory string `json:"directory"`
	Command   string `json:"command"`
	File      string `json:"file"`
}

// Descriptor is an ordered compilation database.
type Descriptor []Entry

// Unit is a synthesized analysis root together with its descriptor.
type Unit struct {
	// Root is the absolute source root handed to the analyzer.
	Root string
	// DescriptorPath is the absolute path of the written compile_commands.json.
	DescriptorPath string
	// Descriptor lists the translation units.
	Descriptor Descriptor
}

// Synthesizer builds compilation descriptors.
type Synthesizer struct {
	cc         string
	cxx        string
	skipVendor bool
}

// Option configures a Synthesizer.
type Option func(*Synthesizer)

// WithCompilers overrides the C and C++ compiler executables.
func WithCompilers(cc, cxx string) Option {
	return func(s *Synthesizer) {
		if cc != "" {
			s.cc = cc
		}

		if cxx != "" {
			s.cxx = cxx
		}
	}
}

// WithSkipVendor drops vendored paths from repository mode.
func WithSkipVendor(skip bool) Option {
	return func(s *Synthesizer) {
		s.skipVendor = skip
	}
}

// NewSynthesizer creates a Synthesizer using gcc/g++ by default.
func NewSynthesizer(opts ...Option) *Synthesizer {
	s := &Synthesizer{cc: DefaultCCompiler, cxx: DefaultCXXCompiler}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Synthesize dispatches to SingleFile or WholeRepository.
func (s *Synthesizer) Synthesize(mode Mode, repoRoot, relPath string) (Unit, error) {
	switch mode {
	case ModeSingleFile:
		return s.SingleFile(repoRoot, relPath)
	case ModeRepository:
		return s.WholeRepository(repoRoot)
	default:
		return Unit{}, fmt.Errorf("%w: %q", ErrUnknownMode, mode)
	}
}

// SingleFile copies relPath into a fresh mini-root under repoRoot and emits a
// descriptor with exactly one entry and no include paths.
func (s *Synthesizer) SingleFile(repoRoot, relPath string) (Unit, error) {
	root, err := filepath.Abs(repoRoot)
	if err != nil {
		return Unit{}, fmt.Errorf("resolve repo root: %w", err)
	}

	src := filepath.Join(root, filepath.FromSlash(relPath))

	info, err := os.Stat(src)
	if err != nil || info.IsDir() {
		return Unit{}, fmt.Errorf("%w: %s", ErrSourceMissing, relPath)
	}

	mini := filepath.Join(root, MiniRootName)

	err = os.RemoveAll(mini)
	if err != nil {
		return Unit{}, fmt.Errorf("reset mini root: %w", err)
	}

	err = os.MkdirAll(mini, dirPerm)
	if err != nil {
		return Unit{}, fmt.Errorf("create mini root: %w", err)
	}

	base := filepath.Base(src)
	dst := filepath.Join(mini, base)

	data, err := copyFile(src, dst)
	if err != nil {
		return Unit{}, err
	}

	compiler := s.compilerFor(base, data)

	desc := Descriptor{{
		Directory: mini,
		Command:   compiler + " -c " + base,
		File:      dst,
	}}

	path, err := Write(mini, desc)
	if err != nil {
		return Unit{}, err
	}

	return Unit{Root: mini, DescriptorPath: path, Descriptor: desc}, nil
}

// WholeRepository walks repoRoot and emits one entry per compilable source.
// Every directory that holds a header becomes an include path for all entries.
func (s *Synthesizer) WholeRepository(repoRoot string) (Unit, error) {
	root, err := filepath.Abs(repoRoot)
	if err != nil {
		return Unit{}, fmt.Errorf("resolve repo root: %w", err)
	}

	includeDirs := make(map[string]struct{})

	var sources []string

	walkErr := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			return relErr
		}

		if d.IsDir() {
			if d.Name() == ".git" || d.Name() == MiniRootName {
				return filepath.SkipDir
			}

			if s.skipVendor && rel != "." && enry.IsVendor(filepath.ToSlash(rel)+"/") {
				return filepath.SkipDir
			}

			return nil
		}

		ext := strings.ToLower(filepath.Ext(path))

		switch {
		case headerExtensions[ext]:
			includeDirs[filepath.ToSlash(filepath.Dir(rel))] = struct{}{}
		case sourceExtensions[ext]:
			sources = append(sources, filepath.ToSlash(rel))
		}

		return nil
	})
	if walkErr != nil {
		return Unit{}, fmt.Errorf("walk repository: %w", walkErr)
	}

	if len(sources) == 0 {
		return Unit{}, fmt.Errorf("%w: %s", ErrNoSources, root)
	}

	dirs := make([]string, 0, len(includeDirs))
	for dir := range includeDirs {
		dirs = append(dirs, dir)
	}

	sort.Strings(dirs)

	var flags strings.Builder
	for _, dir := range dirs {
		flags.WriteString(" -I")
		flags.WriteString(dir)
	}

	desc := make(Descriptor, 0, len(sources))
	for _, rel := range sources {
		desc = append(desc, Entry{
			Directory: root,
			Command:   s.compilerFor(rel, nil) + flags.String() + " -c " + rel,
			File:      filepath.Join(root, filepath.FromSlash(rel)),
		})
	}

	path, err := Write(root, desc)
	if err != nil {
		return Unit{}, err
	}

	return Unit{Root: root, DescriptorPath: path, Descriptor: desc}, nil
}

// compilerFor picks the C++ compiler when the file is detected as C++.
// Content is optional; without it only the extension is consulted.
func (s *Synthesizer) compilerFor(name string, content []byte) string {
	var lang string
	if content != nil {
		lang = enry.GetLanguage(filepath.Base(name), content)
	} else {
		lang, _ = enry.GetLanguageByExtension(name)
	}

	if lang == languageCPP {
		return s.cxx
	}

	return s.cc
}

// Write stores the descriptor as indented JSON in dir and returns its path.
func Write(dir string, desc Descriptor) (string, error) {
	data, err := json.MarshalIndent(desc, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal descriptor: %w", err)
	}

	path := filepath.Join(dir, FileName)

	err = os.WriteFile(path, data, filePerm)
	if err != nil {
		return "", fmt.Errorf("write descriptor: %w", err)
	}

	return path, nil
}

// Read loads a descriptor written by Write.
func Read(path string) (Descriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read descriptor: %w", err)
	}

	var desc Descriptor

	err = json.Unmarshal(data, &desc)
	if err != nil {
		return nil, fmt.Errorf("decode descriptor: %w", err)
	}

	return desc, nil
}

func copyFile(src, dst string) ([]byte, error) {
	data, err := os.ReadFile(src)
	if err != nil {
		return nil, fmt.Errorf("read source: %w", err)
	}

	err = os.WriteFile(dst, data, filePerm)
	if err != nil {
		return nil, fmt.Errorf("copy source: %w", err)
	}

	return data, nil
}
