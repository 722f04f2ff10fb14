// Package policy holds server configuration: ports, provider selection,
// indexing and retrieval knobs, transport grace periods, and the set of
// enabled tool categories.
package policy

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Tool categories form a closed set. Tools in disabled categories are not
// advertised or invocable.
const (
	CategoryBasic              = "basic"
	CategoryRAG                = "rag"
	CategoryMemory             = "memory"
	CategoryFileManagement     = "file_management"
	CategorySessionState       = "session_state"
	CategoryAssistanceRequest  = "assistance_request"
	CategoryAgentManagement    = "agent_management"
	CategoryTaskManagement     = "task_management"
	CategoryAgentCommunication = "agent_communication"
	CategoryBackgroundAgents   = "background_agents"
)

// AllCategories lists every recognized tool category.
func AllCategories() []string {
	return []string{
		CategoryBasic, CategoryRAG, CategoryMemory, CategoryFileManagement,
		CategorySessionState, CategoryAssistanceRequest, CategoryAgentManagement,
		CategoryTaskManagement, CategoryAgentCommunication, CategoryBackgroundAgents,
	}
}

// ValidCategory reports whether c is in the closed category set.
func ValidCategory(c string) bool {
	for _, k := range AllCategories() {
		if k == c {
			return true
		}
	}
	return false
}

// EmbeddingConfig selects the embedding/chat provider chain.
type EmbeddingConfig struct {
	Provider  string   `yaml:"provider"`  // cloud_default, openai_compatible, ollama
	Fallbacks []string `yaml:"fallbacks"` // tried in order after the primary
	Model     string   `yaml:"model"`
	ChatModel string   `yaml:"chat_model"`
	APIKey    string   `yaml:"api_key"`
	BaseURL   string   `yaml:"base_url"`
	TargetDim int      `yaml:"target_dim"`
}

// IndexingConfig controls the background knowledge indexer.
type IndexingConfig struct {
	Enabled         bool `yaml:"enabled"`
	IntervalSeconds int  `yaml:"interval_seconds"`
	AdvancedCode    bool `yaml:"advanced_code"`
	ChunkWindow     int  `yaml:"chunk_window"`
	ChunkOverlap    int  `yaml:"chunk_overlap"`
}

// RetrievalConfig controls the hybrid retriever.
type RetrievalConfig struct {
	K                int `yaml:"k"`
	MaxContextTokens int `yaml:"max_context_tokens"`
}

// TransportConfig controls transport session persistence.
type TransportConfig struct {
	GracePeriodMinutes   int `yaml:"grace_period_minutes"`
	SweepIntervalSeconds int `yaml:"sweep_interval_seconds"`
	IdleAfterSeconds     int `yaml:"idle_after_seconds"`
}

// ToolsConfig holds the enabled category set.
type ToolsConfig struct {
	EnabledCategories []string `yaml:"enabled_categories"`
}

// Config is the full server configuration.
type Config struct {
	Port       int             `yaml:"port"`
	ProjectDir string          `yaml:"project_dir"`
	LogFile    string          `yaml:"log_file"`
	// WorkerCommand launches the external client inside worker sessions.
	WorkerCommand string `yaml:"worker_command"`
	Embedding  EmbeddingConfig `yaml:"embedding"`
	Indexing   IndexingConfig  `yaml:"indexing"`
	Retrieval  RetrievalConfig `yaml:"retrieval"`
	Transport  TransportConfig `yaml:"transport"`
	Tools      ToolsConfig     `yaml:"tools"`
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() *Config {
	return &Config{
		Port:          3001,
		WorkerCommand: "claude",
		Embedding: EmbeddingConfig{
			Provider:  "cloud_default",
			TargetDim: 1536,
		},
		Indexing: IndexingConfig{
			Enabled:         true,
			IntervalSeconds: 300,
			ChunkWindow:     800,
			ChunkOverlap:    100,
		},
		Retrieval: RetrievalConfig{
			K:                13,
			MaxContextTokens: 8000,
		},
		Transport: TransportConfig{
			GracePeriodMinutes:   15,
			SweepIntervalSeconds: 60,
			IdleAfterSeconds:     120,
		},
		Tools: ToolsConfig{
			EnabledCategories: []string{
				CategoryBasic, CategoryRAG, CategoryMemory,
				CategoryFileManagement, CategorySessionState,
			},
		},
	}
}

// LoadConfig reads a YAML config file over the defaults.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	for _, c := range cfg.Tools.EnabledCategories {
		if !ValidCategory(c) {
			return nil, fmt.Errorf("unknown tool category %q", c)
		}
	}
	return cfg, nil
}

// Policy wraps Config with runtime-mutable parts (category toggling).
type Policy struct {
	mu      sync.RWMutex
	config  *Config
	enabled map[string]bool
}

// New creates a Policy from cfg. ProjectDir falls back to the working
// directory.
func New(cfg *Config) *Policy {
	if cfg.ProjectDir == "" {
		if cwd, err := os.Getwd(); err == nil {
			cfg.ProjectDir = cwd
		}
	}
	enabled := make(map[string]bool)
	for _, c := range cfg.Tools.EnabledCategories {
		enabled[c] = true
	}
	return &Policy{config: cfg, enabled: enabled}
}

// ProjectDir returns the project root the indexer scans and agents work in.
func (p *Policy) ProjectDir() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.config.ProjectDir
}

// StateDir returns the server's own state directory (<project>/.agent).
func (p *Policy) StateDir() string {
	return filepath.Join(p.ProjectDir(), ".agent")
}

// StateFile returns the embedded database path (<project>/.agent/state.db).
func (p *Policy) StateFile() string {
	return filepath.Join(p.StateDir(), "state.db")
}

// VectorIndexFile returns the persisted vector index path.
func (p *Policy) VectorIndexFile() string {
	return filepath.Join(p.StateDir(), "vectors.gob")
}

// LogFile returns the log file path, or "" for stderr-only logging.
func (p *Policy) LogFile() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	lf := p.config.LogFile
	if lf == "" {
		return filepath.Join(p.StateDir(), "agent-mcp.log")
	}
	if strings.EqualFold(lf, "none") || strings.EqualFold(lf, "off") {
		return ""
	}
	return lf
}

// Port returns the HTTP listen port.
func (p *Policy) Port() int { return p.config.Port }

// WorkerCommand returns the external client command for worker sessions.
func (p *Policy) WorkerCommand() string { return p.config.WorkerCommand }

// Embedding returns the provider configuration.
func (p *Policy) Embedding() EmbeddingConfig { return p.config.Embedding }

// Indexing returns the indexer configuration.
func (p *Policy) Indexing() IndexingConfig { return p.config.Indexing }

// Retrieval returns the retriever configuration.
func (p *Policy) Retrieval() RetrievalConfig { return p.config.Retrieval }

// Transport returns the transport session configuration.
func (p *Policy) Transport() TransportConfig { return p.config.Transport }

// CategoryEnabled reports whether a tool category is currently enabled.
func (p *Policy) CategoryEnabled(category string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.enabled[category]
}

// EnabledCategories returns the sorted list of enabled categories.
func (p *Policy) EnabledCategories() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, 0, len(p.enabled))
	for c, on := range p.enabled {
		if on {
			out = append(out, c)
		}
	}
	sort.Strings(out)
	return out
}

// SetCategory toggles a category at runtime. Unknown categories are rejected.
func (p *Policy) SetCategory(category string, on bool) error {
	if !ValidCategory(category) {
		return fmt.Errorf("unknown tool category %q", category)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.enabled[category] = on
	return nil
}

// IndexDenylist lists directory names the indexer never descends into.
func IndexDenylist() map[string]bool {
	return map[string]bool{
		".git": true, ".agent": true, "node_modules": true, "vendor": true,
		"dist": true, "build": true, "target": true, "__pycache__": true,
		".venv": true, ".idea": true, ".vscode": true,
	}
}

// ValidatePath resolves path against the project dir and rejects escapes.
func (p *Policy) ValidatePath(path string) (string, error) {
	root := p.ProjectDir()
	if !filepath.IsAbs(path) {
		path = filepath.Join(root, path)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolve path: %w", err)
	}
	rel, err := filepath.Rel(root, abs)
	if err != nil {
		return "", fmt.Errorf("relative path: %w", err)
	}
	if strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("path %s is outside the project", path)
	}
	return abs, nil
}
