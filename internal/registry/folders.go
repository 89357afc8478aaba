package registry

import (
	"sync"

	"github.com/gravitational/trace"
)

// FolderRegistryConfig configures the folder registry (folders.json).
type FolderRegistryConfig struct {
	Path string
}

func (c *FolderRegistryConfig) CheckAndSetDefaults() error {
	if c.Path == "" {
		return trace.BadParameter("missing folders.json path")
	}
	return nil
}

// FolderRegistry is a small first-class registry of folder names,
// supplementing C3 (SPEC_FULL §3): rename_folder/move_to_folder assume
// folders are addressable records, not just free-text tags on hosts.
type FolderRegistry struct {
	cfg FolderRegistryConfig

	mu      sync.Mutex
	folders map[string]Folder
}

func NewFolderRegistry(cfg FolderRegistryConfig) (*FolderRegistry, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}

	var list []Folder
	if err := loadJSONFile(cfg.Path, &list); err != nil {
		return nil, trace.Wrap(err)
	}

	folders := make(map[string]Folder, len(list))
	for _, f := range list {
		folders[f.Name] = f
	}
	return &FolderRegistry{cfg: cfg, folders: folders}, nil
}

// List returns every known folder name.
func (r *FolderRegistry) List() []Folder {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Folder, 0, len(r.folders))
	for _, f := range r.folders {
		out = append(out, f)
	}
	return out
}

// Ensure records a folder name if it isn't already known. Hosts/
// credentials can reference folder names freely; this registry exists so
// "rename a folder" and "list known folders" are well-defined operations.
func (r *FolderRegistry) Ensure(name string) error {
	if name == "" {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.folders[name]; ok {
		return nil
	}
	r.folders[name] = Folder{Name: name}
	return trace.Wrap(r.flush())
}

// Rename renames a folder record itself (callers separately rename the
// folder field on every Host/Credential referencing it).
func (r *FolderRegistry) Rename(oldName, newName string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.folders[oldName]; !ok {
		return trace.NotFound("folder %q not found", oldName)
	}
	delete(r.folders, oldName)
	r.folders[newName] = Folder{Name: newName}
	return trace.Wrap(r.flush())
}

func (r *FolderRegistry) flush() error {
	list := make([]Folder, 0, len(r.folders))
	for _, f := range r.folders {
		list = append(list, f)
	}
	return saveJSONFile(r.cfg.Path, list)
}
