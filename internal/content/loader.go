// Package content loads and validates campaign files: the declarative level
// tables the progression engine runs. Validation is exhaustive and fatal —
// a campaign with a dependency cycle, an unsatisfiable quota or a dangling
// reference never becomes available to sessions.
package content

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/terra-clan/mainframe-engine/internal/models"
	"github.com/terra-clan/mainframe-engine/internal/progression"
)

// ValidationError reports invalid campaign content, carrying the offending
// file
type ValidationError struct {
	File   string
	Detail error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid campaign %s: %v", e.File, e.Detail)
}

func (e *ValidationError) Unwrap() error {
	return e.Detail
}

// Loader manages loading and caching of campaigns
type Loader struct {
	mu        sync.RWMutex
	campaigns map[string]*models.Campaign
}

// NewLoader creates a new campaign loader
func NewLoader() *Loader {
	return &Loader{campaigns: make(map[string]*models.Campaign)}
}

// LoadFromDir loads all YAML campaigns from a directory. Any invalid file
// aborts the load: bad content must keep the service from starting rather
// than degrade into a partial catalog.
func (l *Loader) LoadFromDir(dir string) error {
	slog.Info("loading campaigns from directory", "dir", dir)

	var files []string
	for _, pattern := range []string{"*.yaml", "*.yml"} {
		matches, err := filepath.Glob(filepath.Join(dir, pattern))
		if err != nil {
			continue
		}
		files = append(files, matches...)
	}

	for _, file := range files {
		if err := l.LoadFromFile(file); err != nil {
			return err
		}
	}

	slog.Info("campaigns loaded", "count", len(files))
	return nil
}

// LoadFromFile loads and validates a single campaign file
func (l *Loader) LoadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read file: %w", err)
	}

	var cf campaignFile
	if err := yaml.Unmarshal(data, &cf); err != nil {
		return &ValidationError{File: path, Detail: fmt.Errorf("failed to parse YAML: %w", err)}
	}

	campaign, err := cf.toCampaign()
	if err != nil {
		return &ValidationError{File: path, Detail: err}
	}

	if campaign.Name == "" {
		base := filepath.Base(path)
		campaign.Name = strings.TrimSuffix(base, filepath.Ext(base))
	}

	// Constructing a throwaway engine runs the full semantic validation:
	// both dependency tiers, quotas against distinct pools, reference
	// well-formedness.
	if _, err := progression.New(campaign, progression.Options{}); err != nil {
		return &ValidationError{File: path, Detail: err}
	}

	l.mu.Lock()
	l.campaigns[campaign.Name] = campaign
	l.mu.Unlock()

	slog.Info("campaign loaded", "name", campaign.Name, "levels", len(campaign.Levels))
	return nil
}

// Get retrieves a campaign by name
func (l *Loader) Get(name string) *models.Campaign {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.campaigns[name]
}

// List returns all loaded campaigns
func (l *Loader) List() []*models.Campaign {
	l.mu.RLock()
	defer l.mu.RUnlock()

	result := make([]*models.Campaign, 0, len(l.campaigns))
	for _, c := range l.campaigns {
		result = append(result, c)
	}
	return result
}

// Add programmatically registers a campaign. The caller is responsible for
// validating it first (sessions will refuse to build an engine otherwise).
func (l *Loader) Add(campaign *models.Campaign) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.campaigns[campaign.Name] = campaign
}

// --- YAML file structs ---

// campaignFile represents the YAML structure of a campaign file
type campaignFile struct {
	Name        string        `yaml:"name"`
	Description string        `yaml:"description"`
	Levels      []levelRecord `yaml:"levels"`
}

// levelRecord represents one level entry. program_groups is kept as a raw
// node so declaration order survives decoding; the engine routes events in
// that order.
type levelRecord struct {
	ID            int       `yaml:"id"`
	Name          string    `yaml:"name"`
	Cmd           string    `yaml:"cmd"`
	Time          int       `yaml:"time"` // seconds, 0 or absent = unbounded
	Requires      []int     `yaml:"requires"`
	ProgramGroups yaml.Node `yaml:"program_groups"`
}

// groupRecord represents one program group entry
type groupRecord struct {
	ProgramCount int        `yaml:"program_count"`
	DependentOn  []string   `yaml:"dependent_on"`
	Programs     [][]string `yaml:"programs"`
}

func (cf *campaignFile) toCampaign() (*models.Campaign, error) {
	if len(cf.Levels) == 0 {
		return nil, fmt.Errorf("campaign declares no levels")
	}

	campaign := &models.Campaign{
		Name:        cf.Name,
		Description: cf.Description,
		Levels:      make([]*models.Level, 0, len(cf.Levels)),
	}

	for _, lr := range cf.Levels {
		lvl, err := lr.toLevel()
		if err != nil {
			return nil, fmt.Errorf("level %d: %w", lr.ID, err)
		}
		campaign.Levels = append(campaign.Levels, lvl)
	}

	return campaign, nil
}

func (lr *levelRecord) toLevel() (*models.Level, error) {
	if lr.Name == "" {
		return nil, fmt.Errorf("level name is required")
	}
	if lr.Time < 0 {
		return nil, fmt.Errorf("time must be >= 0, got %d", lr.Time)
	}

	lvl := &models.Level{
		ID:         lr.ID,
		Name:       lr.Name,
		Cmd:        lr.Cmd,
		TimeBudget: time.Duration(lr.Time) * time.Second,
		Requires:   lr.Requires,
		Groups:     make(map[string]*models.ProgramGroup),
	}

	if lr.ProgramGroups.Kind == 0 {
		return nil, fmt.Errorf("program_groups is required")
	}
	if lr.ProgramGroups.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("program_groups must be a mapping")
	}

	// Mapping nodes alternate key, value in Content.
	for i := 0; i+1 < len(lr.ProgramGroups.Content); i += 2 {
		name := lr.ProgramGroups.Content[i].Value

		var gr groupRecord
		if err := lr.ProgramGroups.Content[i+1].Decode(&gr); err != nil {
			return nil, fmt.Errorf("group %q: %w", name, err)
		}

		group, err := gr.toGroup(name)
		if err != nil {
			return nil, err
		}

		lvl.Groups[name] = group
		lvl.GroupOrder = append(lvl.GroupOrder, name)
	}

	return lvl, nil
}

func (gr *groupRecord) toGroup(name string) (*models.ProgramGroup, error) {
	group := &models.ProgramGroup{
		Name:      name,
		Quota:     gr.ProgramCount,
		DependsOn: gr.DependentOn,
		Pool:      make([]models.Ref, 0, len(gr.Programs)),
	}

	for _, entry := range gr.Programs {
		if len(entry) != 2 {
			return nil, fmt.Errorf("group %q: program entry must be [command, class], got %v", name, entry)
		}
		group.Pool = append(group.Pool, models.Ref{Command: entry[0], Class: entry[1]})
	}

	return group, nil
}
