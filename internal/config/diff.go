package config

import "reflect"

// ConfigDiff describes what changed between two configs.
type ConfigDiff struct {
	AgentsAdded   []string
	AgentsRemoved []string
	AgentsChanged []string

	// CapabilitiesChanged is set when the keyword table or its order changed,
	// the router must rebuild its registry.
	CapabilitiesChanged bool

	WorkerChanged bool
	NewWorker     WorkerConfig

	RouterChanged bool
	NewRouter     RouterConfig

	RecoveryChanged bool
	NewRecovery     RecoveryConfig

	AdminChatChanged bool
	NewAdminChatID   int64

	// Non-reloadable fields that changed (log warnings only)
	NonReloadable []string
}

// HasChanges reports whether any reloadable field changed.
func (d *ConfigDiff) HasChanges() bool {
	return len(d.AgentsAdded) > 0 ||
		len(d.AgentsRemoved) > 0 ||
		len(d.AgentsChanged) > 0 ||
		d.CapabilitiesChanged ||
		d.WorkerChanged ||
		d.RouterChanged ||
		d.RecoveryChanged ||
		d.AdminChatChanged
}

// Diff compares two configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	var d ConfigDiff

	oldAgents := make(map[string]AgentDefinition, len(old.Agents))
	for _, a := range old.Agents {
		oldAgents[a.Name] = a
	}
	newAgents := make(map[string]AgentDefinition, len(new.Agents))
	for _, a := range new.Agents {
		newAgents[a.Name] = a
	}

	// Walk the slices rather than the maps so the result order is stable.
	for _, a := range new.Agents {
		if _, ok := oldAgents[a.Name]; !ok {
			d.AgentsAdded = append(d.AgentsAdded, a.Name)
		}
	}
	for _, a := range old.Agents {
		if _, ok := newAgents[a.Name]; !ok {
			d.AgentsRemoved = append(d.AgentsRemoved, a.Name)
		}
	}
	for _, a := range new.Agents {
		if prev, ok := oldAgents[a.Name]; ok && !reflect.DeepEqual(prev, a) {
			d.AgentsChanged = append(d.AgentsChanged, a.Name)
		}
	}

	if !reflect.DeepEqual(keywordTable(old), keywordTable(new)) {
		d.CapabilitiesChanged = true
	}

	if old.Worker != new.Worker {
		d.WorkerChanged = true
		d.NewWorker = new.Worker
	}
	if old.Router != new.Router {
		d.RouterChanged = true
		d.NewRouter = new.Router
	}
	if old.Recovery != new.Recovery {
		d.RecoveryChanged = true
		d.NewRecovery = new.Recovery
	}
	if old.Telegram.AdminChatID != new.Telegram.AdminChatID {
		d.AdminChatChanged = true
		d.NewAdminChatID = new.Telegram.AdminChatID
	}

	// Non-reloadable warnings
	if old.Telegram.Token != new.Telegram.Token {
		d.NonReloadable = append(d.NonReloadable, "telegram.token")
	}
	if old.Store.Path != new.Store.Path {
		d.NonReloadable = append(d.NonReloadable, "store.path")
	}
	if old.NATS != new.NATS {
		d.NonReloadable = append(d.NonReloadable, "nats")
	}
	if old.Log != new.Log {
		d.NonReloadable = append(d.NonReloadable, "log")
	}
	if old.Backup.Passphrase != new.Backup.Passphrase {
		d.NonReloadable = append(d.NonReloadable, "backup.passphrase")
	}

	return d
}

type keywordEntry struct {
	agent    string
	keywords []string
}

func keywordTable(c *Config) []keywordEntry {
	var out []keywordEntry
	for _, a := range c.Agents {
		if len(a.Keywords) == 0 {
			continue
		}
		out = append(out, keywordEntry{agent: a.Name, keywords: a.Keywords})
	}
	return out
}
