// Package skills discovers agent skills: directories holding a SKILL.md
// whose front matter names and describes a reusable procedure. Discovered
// skills are listed in every iteration context so a fresh agent knows they
// exist.
package skills

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/entrhq/potter/pkg/logging"
	"github.com/entrhq/potter/pkg/workspace"
)

const (
	skillFileName       = "SKILL.md"
	skillsDirName       = "skills"
	systemSkillsDirName = ".system"
	maxScanDepth        = 6
	maxDirsPerRoot      = 2000
)

// Scope says where a skill was found. Lower scopes take precedence.
type Scope string

const (
	ScopeRepo   Scope = "repo"
	ScopeUser   Scope = "user"
	ScopeSystem Scope = "system"
	ScopeAdmin  Scope = "admin"
)

func (s Scope) rank() int {
	switch s {
	case ScopeRepo:
		return 0
	case ScopeUser:
		return 1
	case ScopeSystem:
		return 2
	default:
		return 3
	}
}

// Skill is the metadata of one discovered skill.
type Skill struct {
	Name             string
	Description      string
	ShortDescription string
	DisplayName      string
	Path             string
	Scope            Scope
}

// Title is the name shown to the agent.
func (s Skill) Title() string {
	if s.DisplayName != "" {
		return s.DisplayName
	}
	return s.Name
}

// Summary is the one-line description shown to the agent.
func (s Skill) Summary() string {
	if s.ShortDescription != "" {
		return s.ShortDescription
	}
	return s.Description
}

// Options locate the skill roots.
type Options struct {
	// WorkDir is where the agent runs. Repo skills are searched from here
	// up to the repository root.
	WorkDir string
	// CodexHome overrides $CODEX_HOME and ~/.codex.
	CodexHome string
	// AdminDir overrides /etc/codex/skills. Set to "-" to disable.
	AdminDir string
	Logger   *logging.Logger
}

type root struct {
	path           string
	scope          Scope
	followSymlinks bool
}

// Discover returns every skill reachable from the configured roots,
// deduplicated by path and ordered by scope, name and path.
func Discover(opts Options) []Skill {
	log := opts.Logger
	if log == nil {
		log = logging.NewNop("skills")
	}

	var out []Skill
	for _, r := range roots(opts) {
		out = append(out, scanRoot(r, log)...)
	}

	seen := make(map[string]bool, len(out))
	uniq := out[:0]
	for _, s := range out {
		if seen[s.Path] {
			continue
		}
		seen[s.Path] = true
		uniq = append(uniq, s)
	}

	sort.SliceStable(uniq, func(i, j int) bool {
		a, b := uniq[i], uniq[j]
		if a.Scope.rank() != b.Scope.rank() {
			return a.Scope.rank() < b.Scope.rank()
		}
		if a.Name != b.Name {
			return a.Name < b.Name
		}
		return a.Path < b.Path
	})
	return uniq
}

func roots(opts Options) []root {
	var out []root

	if opts.WorkDir != "" {
		for _, dir := range dirsUpToRepoRoot(opts.WorkDir) {
			skillsDir := filepath.Join(dir, ".codex", skillsDirName)
			if info, err := os.Stat(skillsDir); err == nil && info.IsDir() {
				out = append(out, root{path: skillsDir, scope: ScopeRepo, followSymlinks: true})
			}
		}
	}

	if home := codexHome(opts.CodexHome); home != "" {
		userSkills := filepath.Join(home, skillsDirName)
		out = append(out,
			root{path: filepath.Join(userSkills, systemSkillsDirName), scope: ScopeSystem},
			root{path: userSkills, scope: ScopeUser, followSymlinks: true},
		)
	}

	admin := opts.AdminDir
	if admin == "" && runtime.GOOS != "windows" {
		admin = filepath.Join("/etc", "codex", skillsDirName)
	}
	if admin != "" && admin != "-" {
		out = append(out, root{path: admin, scope: ScopeAdmin, followSymlinks: true})
	}
	return out
}

// dirsUpToRepoRoot lists dir and its ancestors, closest first, stopping at
// the repository root. Outside a repository every ancestor is listed.
func dirsUpToRepoRoot(dir string) []string {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil
	}
	repoRoot := workspace.FindRepoRoot(abs)
	var out []string
	for current := abs; ; {
		out = append(out, current)
		if current == repoRoot {
			break
		}
		parent := filepath.Dir(current)
		if parent == current {
			break
		}
		current = parent
	}
	return out
}

func codexHome(override string) string {
	if override != "" {
		return override
	}
	if v := os.Getenv("CODEX_HOME"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".codex")
}

type queued struct {
	dir   string
	depth int
}

func scanRoot(r root, log *logging.Logger) []Skill {
	rootDir, err := filepath.EvalSymlinks(r.path)
	if err != nil {
		return nil
	}
	if info, err := os.Stat(rootDir); err != nil || !info.IsDir() {
		return nil
	}

	visited := map[string]bool{rootDir: true}
	queue := []queued{{dir: rootDir}}
	truncated := false
	enqueue := func(dir string, depth int) {
		if depth > maxScanDepth {
			return
		}
		if len(visited) >= maxDirsPerRoot {
			truncated = true
			return
		}
		if !visited[dir] {
			visited[dir] = true
			queue = append(queue, queued{dir: dir, depth: depth})
		}
	}

	var out []Skill
	for len(queue) > 0 {
		item := queue[0]
		queue = queue[1:]

		entries, err := os.ReadDir(item.dir)
		if err != nil {
			log.Warnf("failed to read skills dir %s: %v", item.dir, err)
			continue
		}
		for _, entry := range entries {
			name := entry.Name()
			if strings.HasPrefix(name, ".") {
				continue
			}
			path := filepath.Join(item.dir, name)

			if entry.Type()&os.ModeSymlink != 0 {
				if !r.followSymlinks {
					continue
				}
				info, err := os.Stat(path)
				if err != nil {
					log.Warnf("failed to stat skills entry %s (symlink): %v", path, err)
					continue
				}
				if info.IsDir() {
					if resolved, err := filepath.EvalSymlinks(path); err == nil {
						enqueue(resolved, item.depth+1)
					}
				}
				continue
			}

			if entry.IsDir() {
				if resolved, err := filepath.EvalSymlinks(path); err == nil {
					enqueue(resolved, item.depth+1)
				}
				continue
			}

			if entry.Type().IsRegular() && name == skillFileName {
				skill, err := parseSkillFile(path, r.scope)
				if err != nil {
					log.Warnf("failed to parse %s: %v", path, err)
					continue
				}
				out = append(out, skill)
			}
		}
	}

	if truncated {
		log.Warnf("skills scan truncated after %d directories (root: %s)", maxDirsPerRoot, rootDir)
	}
	return out
}

var errMissingFrontMatter = errors.New("missing YAML front matter delimited by ---")

type frontMatter struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Metadata    struct {
		ShortDescription string `yaml:"short-description"`
	} `yaml:"metadata"`
}

type interfaceFile struct {
	Interface *struct {
		DisplayName      string `yaml:"display_name"`
		ShortDescription string `yaml:"short_description"`
	} `yaml:"interface"`
}

func parseSkillFile(path string, scope Scope) (Skill, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Skill{}, fmt.Errorf("failed to read file: %w", err)
	}
	block, ok := extractFrontMatter(string(data))
	if !ok {
		return Skill{}, errMissingFrontMatter
	}
	var fm frontMatter
	if err := yaml.Unmarshal([]byte(block), &fm); err != nil {
		return Skill{}, fmt.Errorf("invalid YAML: %w", err)
	}
	if strings.TrimSpace(fm.Name) == "" {
		return Skill{}, fmt.Errorf("missing field `name`")
	}
	if strings.TrimSpace(fm.Description) == "" {
		return Skill{}, fmt.Errorf("missing field `description`")
	}

	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		resolved = path
	}
	skill := Skill{
		Name:             strings.TrimSpace(fm.Name),
		Description:      strings.TrimSpace(fm.Description),
		ShortDescription: strings.TrimSpace(fm.Metadata.ShortDescription),
		Path:             resolved,
		Scope:            scope,
	}

	// Optional presentation overrides live next to the skill.
	if raw, err := os.ReadFile(filepath.Join(filepath.Dir(path), "agents", "openai.yaml")); err == nil {
		var f interfaceFile
		if err := yaml.Unmarshal(raw, &f); err == nil && f.Interface != nil {
			skill.DisplayName = strings.TrimSpace(f.Interface.DisplayName)
			if sd := strings.TrimSpace(f.Interface.ShortDescription); sd != "" {
				skill.ShortDescription = sd
			}
		}
	}
	return skill, nil
}

func extractFrontMatter(contents string) (string, bool) {
	lines := strings.Split(contents, "\n")
	if len(lines) == 0 || strings.TrimRight(lines[0], "\r") != "---" {
		return "", false
	}
	var sb strings.Builder
	for _, line := range lines[1:] {
		line = strings.TrimRight(line, "\r")
		if line == "---" {
			return sb.String(), true
		}
		sb.WriteString(line)
		sb.WriteString("\n")
	}
	return "", false
}

// Render formats skills as a Markdown list for an iteration context.
func Render(list []Skill) string {
	if len(list) == 0 {
		return ""
	}
	var sb strings.Builder
	for _, s := range list {
		fmt.Fprintf(&sb, "- %s: %s (file: %s)\n", s.Title(), s.Summary(), s.Path)
	}
	return sb.String()
}
