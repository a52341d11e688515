package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	v1 "github.com/google/go-containerregistry/pkg/v1"
)

const (
	// CurrentVersion is the current version of the store layout
	CurrentVersion = "1.0.0"
)

// ErrModelNotFound indicates that no model in the store matches the
// requested reference.
var ErrModelNotFound = errors.New("model not found")

// LocalStore is a content-addressed model store rooted at a local
// directory.
type LocalStore struct {
	rootPath string
}

// RootPath returns the root path of the store
func (s *LocalStore) RootPath() string {
	return s.rootPath
}

// Options represents options for creating a store
type Options struct {
	RootPath string
}

// New creates a new LocalStore
func New(opts Options) (*LocalStore, error) {
	store := &LocalStore{
		rootPath: opts.RootPath,
	}

	// Initialize store if it doesn't exist
	if err := store.initialize(); err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}

	return store, nil
}

// initialize creates the store directory structure if it doesn't exist
func (s *LocalStore) initialize() error {
	// Check if layout.json exists, create if not
	if _, err := os.Stat(s.layoutPath()); os.IsNotExist(err) {
		layout := Layout{
			Version: CurrentVersion,
		}
		if err := s.writeLayout(layout); err != nil {
			return fmt.Errorf("initializing layout file: %w", err)
		}
	}

	// Check if models.json exists, create if not
	if _, err := os.Stat(s.indexPath()); os.IsNotExist(err) {
		if err := s.writeIndex(Index{
			Models: []IndexEntry{},
		}); err != nil {
			return fmt.Errorf("initializing index file: %w", err)
		}
	}

	return nil
}

// List lists all models in the store
func (s *LocalStore) List() ([]IndexEntry, error) {
	index, err := s.readIndex()
	if err != nil {
		return nil, fmt.Errorf("reading models index: %w", err)
	}
	return index.Models, nil
}

// Delete deletes a model by reference. When the reference is a tag it is
// removed first, and the model with its blobs is deleted only once no tags
// remain.
func (s *LocalStore) Delete(ref string) error {
	idx, err := s.readIndex()
	if err != nil {
		return fmt.Errorf("reading models file: %w", err)
	}
	model, i, ok := idx.Find(ref)
	if !ok {
		return ErrModelNotFound
	}
	idx = idx.UnTag(ref)

	// If no more tags, remove the model and check if its blobs can be deleted
	if len(idx.Models[i].Tags) == 0 {
		// Remove manifest file and any unpacked bundle
		if digest, err := v1.NewHash(model.ID); err != nil {
			fmt.Printf("Warning: failed to parse manifest digest %s: %v\n", model.ID, err)
		} else {
			if err := s.removeManifest(digest); err != nil {
				fmt.Printf("Warning: failed to remove manifest %q: %v\n",
					digest, err,
				)
			}
			if err := s.removeBundle(digest); err != nil {
				fmt.Printf("Warning: failed to remove bundle %q: %v\n",
					digest, err,
				)
			}
		}
		// Before deleting blobs, check if they are referenced by other models
		blobRefs := make(map[string]int)
		for _, m := range idx.Models {
			if m.ID == model.ID {
				continue // Skip the model being deleted
			}
			for _, file := range m.Files {
				blobRefs[file]++
			}
		}
		// Only delete blobs that are not referenced by other models
		for _, blobFile := range model.Files {
			if blobRefs[blobFile] > 0 {
				// Skip deletion if blob is referenced by other models
				continue
			}
			hash, err := v1.NewHash(blobFile)
			if err != nil {
				fmt.Printf("Warning: failed to parse blob hash %s: %v\n", blobFile, err)
				continue
			}
			if err := s.removeBlob(hash); err != nil && !errors.Is(err, os.ErrNotExist) {
				// Just log the error but don't fail the operation
				fmt.Printf("Warning: failed to remove blob %q from store: %v\n", hash.String(), err)
			}
		}

		idx = idx.Remove(model.ID)
	}

	return s.writeIndex(idx)
}

// AddTags adds tags to an existing model
func (s *LocalStore) AddTags(ref string, newTags []string) error {
	index, err := s.readIndex()
	if err != nil {
		return fmt.Errorf("reading models file: %w", err)
	}
	for _, t := range newTags {
		index, err = index.Tag(ref, t)
		if err != nil {
			return fmt.Errorf("tagging model: %w", err)
		}
	}

	return s.writeIndex(index)
}

// RemoveTags removes tags from models
func (s *LocalStore) RemoveTags(tags []string) error {
	index, err := s.readIndex()
	if err != nil {
		return fmt.Errorf("reading models index: %w", err)
	}
	for _, tag := range tags {
		index = index.UnTag(tag)
	}
	return s.writeIndex(index)
}

// Version returns the store version
func (s *LocalStore) Version() string {
	layout, err := s.readLayout()
	if err != nil {
		return "unknown"
	}

	return layout.Version
}

// Write writes a model to the store
func (s *LocalStore) Write(mdl v1.Image, tags []string, progress chan<- v1.Update) error {
	// Write the config JSON file
	if _, err := s.writeConfigFile(mdl); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	// Write the blobs
	layers, err := mdl.Layers()
	if err != nil {
		return fmt.Errorf("getting layers: %w", err)
	}

	for _, layer := range layers {
		if _, _, err := s.writeLayer(layer, progress); err != nil {
			return fmt.Errorf("writing blob: %w", err)
		}
	}

	// Write the manifest, which also adds the model to the index
	digest, err := mdl.Digest()
	if err != nil {
		return fmt.Errorf("getting manifest digest: %w", err)
	}
	raw, err := mdl.RawManifest()
	if err != nil {
		return fmt.Errorf("getting raw manifest: %w", err)
	}
	if err := s.WriteManifest(digest, raw); err != nil {
		return fmt.Errorf("writing manifest: %w", err)
	}

	// Add the model tags
	idx, err := s.readIndex()
	if err != nil {
		return fmt.Errorf("reading models: %w", err)
	}
	for _, tag := range tags {
		updatedIdx, err := idx.Tag(digest.String(), tag)
		if err != nil {
			fmt.Printf("Warning: failed to tag model %q with tag %q: %v\n", digest.String(), tag, err)
			continue
		}
		idx = updatedIdx
	}

	return s.writeIndex(idx)
}

// Read reads a model from the store by reference (tag, ID, or ID prefix)
func (s *LocalStore) Read(reference string) (*Model, error) {
	models, err := s.List()
	if err != nil {
		return nil, fmt.Errorf("reading models file: %w", err)
	}

	for _, model := range models {
		if model.MatchesReference(reference) {
			hash, err := v1.NewHash(model.ID)
			if err != nil {
				return nil, fmt.Errorf("parsing hash: %w", err)
			}
			return s.newModel(hash, model.Tags)
		}
	}

	return nil, fmt.Errorf("reading %q: %w", reference, ErrModelNotFound)
}

// GC removes blobs and manifests on disk that are not referenced by any
// model in the index. It returns the digests of the blobs it removed.
func (s *LocalStore) GC() ([]string, error) {
	idx, err := s.readIndex()
	if err != nil {
		return nil, fmt.Errorf("reading models index: %w", err)
	}

	referenced := make(map[string]struct{})
	for _, m := range idx.Models {
		for _, file := range m.Files {
			referenced[file] = struct{}{}
		}
	}
	manifests := make(map[string]struct{})
	for _, m := range idx.Models {
		manifests[m.ID] = struct{}{}
	}

	var removed []string
	blobs, err := s.listDigests(s.blobsDir())
	if err != nil {
		return nil, fmt.Errorf("listing blobs: %w", err)
	}
	for _, hash := range blobs {
		if _, ok := referenced[hash.String()]; ok {
			continue
		}
		if err := s.removeBlob(hash); err != nil {
			fmt.Printf("Warning: failed to remove blob %q from store: %v\n", hash.String(), err)
			continue
		}
		removed = append(removed, hash.String())
	}

	orphaned, err := s.listDigests(s.manifestsDir())
	if err != nil {
		return nil, fmt.Errorf("listing manifests: %w", err)
	}
	for _, hash := range orphaned {
		if _, ok := manifests[hash.String()]; ok {
			continue
		}
		if err := s.removeManifest(hash); err != nil {
			fmt.Printf("Warning: failed to remove manifest %q from store: %v\n", hash.String(), err)
		}
	}

	return removed, nil
}

// Reset removes all models, blobs, and manifests from the store and
// reinitializes an empty layout.
func (s *LocalStore) Reset() error {
	if err := os.RemoveAll(s.blobsDir()); err != nil {
		return fmt.Errorf("removing blobs: %w", err)
	}
	if err := os.RemoveAll(s.manifestsDir()); err != nil {
		return fmt.Errorf("removing manifests: %w", err)
	}
	if err := os.RemoveAll(s.bundlesDir()); err != nil {
		return fmt.Errorf("removing bundles: %w", err)
	}
	if err := os.Remove(s.indexPath()); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing models index: %w", err)
	}
	return s.initialize()
}

// listDigests walks a blobs-style directory (dir/<algorithm>/<hex>) and
// returns the digests of the files it contains.
func (s *LocalStore) listDigests(dir string) ([]v1.Hash, error) {
	algorithms, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}

	var digests []v1.Hash
	for _, alg := range algorithms {
		if !alg.IsDir() {
			continue
		}
		entries, err := os.ReadDir(filepath.Join(dir, alg.Name()))
		if err != nil {
			return nil, err
		}
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			hash, err := v1.NewHash(alg.Name() + ":" + entry.Name())
			if err != nil {
				// Skip stray files such as leftover .incomplete temporaries.
				continue
			}
			digests = append(digests, hash)
		}
	}
	return digests, nil
}
