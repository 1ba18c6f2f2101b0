package engine

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/arcdash/arc/domain"
	"github.com/arcdash/arc/store"
)

// agentYAML is the on-disk agent definition (agents/<id>/agent.yaml).
type agentYAML struct {
	Name           string   `yaml:"name"`
	Description    string   `yaml:"description"`
	SystemPrompt   string   `yaml:"system_prompt"`
	Model          string   `yaml:"model"`
	MaxTurns       int      `yaml:"max_turns"`
	AllowedTools   []string `yaml:"allowed_tools"`
	WorkingDir     string   `yaml:"working_dir"`
	TelegramChatID string   `yaml:"telegram_chat_id"`
}

// Registry resolves agent configurations. Definitions are loaded from a
// directory of YAML files at startup and kept in the store, so API-created
// agents and file-defined agents share one namespace.
type Registry struct {
	store     store.Store
	agentsDir string
}

// NewRegistry creates a registry over the given store and agents directory.
func NewRegistry(st store.Store, agentsDir string) *Registry {
	return &Registry{store: st, agentsDir: agentsDir}
}

// LoadAll reads every agents/<dir>/agent.yaml and upserts it into the
// store. Returns the number of definitions loaded. A malformed definition
// is logged and skipped; it never aborts startup.
func (r *Registry) LoadAll(ctx context.Context) int {
	entries, err := os.ReadDir(r.agentsDir)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Printf("WARN: failed to read agents dir %s: %v", r.agentsDir, err)
		}
		return 0
	}

	count := 0
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		id := entry.Name()
		path := filepath.Join(r.agentsDir, id, "agent.yaml")
		raw, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				log.Printf("WARN: failed to read %s: %v", path, err)
			}
			continue
		}

		var def agentYAML
		if err := yaml.Unmarshal(raw, &def); err != nil {
			log.Printf("ERROR: failed to parse %s: %v", path, err)
			continue
		}

		if err := r.upsertDefinition(ctx, id, def); err != nil {
			log.Printf("ERROR: failed to load agent %s: %v", id, err)
			continue
		}
		count++
	}

	log.Printf("Loaded %d agents from %s", count, r.agentsDir)
	return count
}

func (r *Registry) upsertDefinition(ctx context.Context, id string, def agentYAML) error {
	now := time.Now()
	agent := &domain.Agent{
		ID:             id,
		Name:           def.Name,
		Description:    def.Description,
		SystemPrompt:   def.SystemPrompt,
		Model:          def.Model,
		MaxTurns:       def.MaxTurns,
		AllowedTools:   def.AllowedTools,
		WorkingDir:     def.WorkingDir,
		TelegramChatID: def.TelegramChatID,
		Status:         domain.AgentStatusOffline,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if agent.Name == "" {
		agent.Name = id
	}

	// Keep the original registration time and live status on reload.
	existing, err := r.store.GetAgent(ctx, id)
	if err == nil {
		agent.CreatedAt = existing.CreatedAt
		agent.Status = existing.Status
		agent.LastSeen = existing.LastSeen
	} else if err != store.ErrNotFound {
		return err
	}

	return r.store.UpsertAgent(ctx, agent)
}

// Get resolves an agent by id.
func (r *Registry) Get(ctx context.Context, id string) (*domain.Agent, error) {
	return r.store.GetAgent(ctx, id)
}

// List returns all known agents.
func (r *Registry) List(ctx context.Context) ([]domain.Agent, error) {
	return r.store.ListAgents(ctx)
}

var idSanitizer = regexp.MustCompile(`[^a-z0-9]+`)

// Create registers a new agent. The id is derived from the name unless
// provided.
func (r *Registry) Create(ctx context.Context, agent domain.Agent) (*domain.Agent, error) {
	if agent.Name == "" {
		return nil, fmt.Errorf("agent name is required")
	}
	if agent.ID == "" {
		agent.ID = strings.Trim(idSanitizer.ReplaceAllString(strings.ToLower(agent.Name), "-"), "-")
	}
	if agent.Status == "" {
		agent.Status = domain.AgentStatusOffline
	}
	now := time.Now()
	agent.CreatedAt = now
	agent.UpdatedAt = now
	if err := r.store.UpsertAgent(ctx, &agent); err != nil {
		return nil, err
	}
	return &agent, nil
}

// Update overwrites an existing agent's definition fields.
func (r *Registry) Update(ctx context.Context, id string, updates domain.Agent) (*domain.Agent, error) {
	existing, err := r.store.GetAgent(ctx, id)
	if err != nil {
		return nil, err
	}

	updates.ID = existing.ID
	updates.CreatedAt = existing.CreatedAt
	updates.UpdatedAt = time.Now()
	if updates.Name == "" {
		updates.Name = existing.Name
	}
	if updates.Status == "" {
		updates.Status = existing.Status
	}
	if updates.LastSeen.IsZero() {
		updates.LastSeen = existing.LastSeen
	}
	if err := r.store.UpsertAgent(ctx, &updates); err != nil {
		return nil, err
	}
	return &updates, nil
}

// Delete removes an agent.
func (r *Registry) Delete(ctx context.Context, id string) error {
	return r.store.DeleteAgent(ctx, id)
}
