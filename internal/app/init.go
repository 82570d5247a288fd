package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/nulpointcorp/modelgate/internal/store"
)

// settingInitConfigFlag marks a completed seed in the settings table so the
// seed document is applied at most once per database.
const settingInitConfigFlag = "INIT_CONFIG_FLAG"

// seedDocument is the init-config JSON shape. Models reference their
// provider by name.
type seedDocument struct {
	Providers []seedProvider `json:"providers"`
	Models    []seedModel    `json:"models"`
	ApiKeys   []seedApiKey   `json:"api_keys"`
}

type seedProvider struct {
	Name       string `json:"name"`
	Type       string `json:"type"`
	BaseURL    string `json:"base_url"`
	APIKey     string `json:"api_key"`
	APIVersion string `json:"api_version"`
	ProxyURL   string `json:"proxy_url"`
}

type seedModel struct {
	Provider      string `json:"provider"`
	SystemName    string `json:"system_name"`
	RemoteID      string `json:"remote_id"`
	ModelType     string `json:"model_type"`
	Weight        int    `json:"weight"`
	ContextLength int    `json:"context_length"`
}

type seedApiKey struct {
	Key      string `json:"key"`
	Comment  string `json:"comment"`
	RPMLimit int    `json:"rpm_limit"`
	TPMLimit int    `json:"tpm_limit"`
}

// applyInitConfig seeds providers, models and API keys from the configured
// document. The full seed runs once; FORCILY_ADD_API_KEYS re-ensures the
// keys section on every boot regardless of the flag.
func (a *App) applyInitConfig(ctx context.Context) error {
	if !a.cfg.InitConfig.Enabled {
		return nil
	}

	_, applied, err := a.db.Settings.Get(ctx, settingInitConfigFlag)
	if err != nil {
		return err
	}
	if applied && !a.cfg.InitConfig.ForceAddKeys {
		a.log.Info("init config already applied, skipping")
		return nil
	}

	doc, err := a.loadSeedDocument()
	if err != nil {
		return err
	}

	if applied {
		a.log.Info("init config already applied, re-ensuring api keys only")
		return a.seedApiKeys(ctx, doc.ApiKeys)
	}

	providerIDs := make(map[string]uint, len(doc.Providers))
	for _, sp := range doc.Providers {
		if sp.Name == "" || sp.Type == "" || sp.BaseURL == "" {
			return fmt.Errorf("seed: provider requires name, type and base_url (got name=%q)", sp.Name)
		}
		p := &store.Provider{
			Name:       sp.Name,
			Type:       sp.Type,
			BaseURL:    sp.BaseURL,
			APIKey:     sp.APIKey,
			APIVersion: sp.APIVersion,
			ProxyURL:   sp.ProxyURL,
		}
		if err := a.db.Catalog.EnsureProvider(ctx, p); err != nil {
			return err
		}
		providerIDs[sp.Name] = p.ID
	}

	for _, sm := range doc.Models {
		pid, ok := providerIDs[sm.Provider]
		if !ok {
			return fmt.Errorf("seed: model %q references unknown provider %q", sm.SystemName, sm.Provider)
		}
		if sm.SystemName == "" {
			return fmt.Errorf("seed: model for provider %q requires system_name", sm.Provider)
		}
		modelType := sm.ModelType
		if modelType == "" {
			modelType = store.ModelTypeChat
		}
		weight := sm.Weight
		if weight == 0 {
			weight = 1
		}
		m := &store.Model{
			ProviderID:    pid,
			SystemName:    sm.SystemName,
			RemoteID:      sm.RemoteID,
			ModelType:     modelType,
			Weight:        weight,
			ContextLength: sm.ContextLength,
		}
		if err := a.db.Catalog.EnsureModel(ctx, m); err != nil {
			return err
		}
	}

	if err := a.seedApiKeys(ctx, doc.ApiKeys); err != nil {
		return err
	}

	if err := a.db.Settings.Set(ctx, settingInitConfigFlag, "applied"); err != nil {
		return err
	}

	a.log.Info("init config applied",
		slog.Int("providers", len(doc.Providers)),
		slog.Int("models", len(doc.Models)),
		slog.Int("api_keys", len(doc.ApiKeys)),
	)
	return nil
}

func (a *App) seedApiKeys(ctx context.Context, keys []seedApiKey) error {
	for _, k := range keys {
		if k.Key == "" {
			return fmt.Errorf("seed: api key entry requires key")
		}
		if err := a.db.Keys.EnsureSecret(ctx, k.Key, k.Comment, k.RPMLimit, k.TPMLimit); err != nil {
			return err
		}
	}
	return nil
}

// loadSeedDocument reads the seed from INIT_CONFIG_JSON, falling back to the
// file at INIT_CONFIG_PATH.
func (a *App) loadSeedDocument() (*seedDocument, error) {
	raw := []byte(a.cfg.InitConfig.JSON)
	if len(raw) == 0 {
		data, err := os.ReadFile(a.cfg.InitConfig.Path)
		if err != nil {
			return nil, fmt.Errorf("seed: read %s: %w", a.cfg.InitConfig.Path, err)
		}
		raw = data
	}

	var doc seedDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("seed: parse document: %w", err)
	}
	return &doc, nil
}
