package knowledge

import (
	"embed"
	"fmt"
	"os"
	"path/filepath"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"
)

//go:embed corpus/*.yaml
var seedCorpus embed.FS

// Load builds a knowledge base from the embedded seed corpus plus any
// YAML shards found under corpusDir (empty means seed only). Shard
// entries override seed entries with the same technique ID.
func Load(corpusDir string) (*Base, error) {
	techniques, version, err := loadSeed()
	if err != nil {
		return nil, fmt.Errorf("load seed corpus: %w", err)
	}

	if corpusDir != "" {
		shardTechniques, shardVersion, err := loadDir(corpusDir)
		if err != nil {
			return nil, err
		}
		techniques = append(techniques, shardTechniques...)
		if shardVersion != "" {
			version = shardVersion
		}
	}

	base := &Base{idx: newIndex(version, techniques)}
	if base.Len() == 0 {
		return nil, fmt.Errorf("corpus is empty")
	}
	return base, nil
}

// Reload rebuilds the index from disk and swaps it in atomically.
func (b *Base) Reload(corpusDir string) error {
	fresh, err := Load(corpusDir)
	if err != nil {
		return err
	}

	fresh.mu.RLock()
	idx := fresh.idx
	fresh.mu.RUnlock()

	b.swap(idx)
	return nil
}

func loadSeed() ([]Technique, string, error) {
	entries, err := seedCorpus.ReadDir("corpus")
	if err != nil {
		return nil, "", err
	}

	var techniques []Technique
	var version string
	for _, entry := range entries {
		data, err := seedCorpus.ReadFile("corpus/" + entry.Name())
		if err != nil {
			return nil, "", err
		}
		shard, err := parseShard(data)
		if err != nil {
			return nil, "", fmt.Errorf("%s: %w", entry.Name(), err)
		}
		techniques = append(techniques, shard.Techniques...)
		if shard.Version != "" {
			version = shard.Version
		}
	}
	return techniques, version, nil
}

// loadDir discovers corpus shards under dir with a recursive glob.
func loadDir(dir string) ([]Technique, string, error) {
	if _, err := os.Stat(dir); err != nil {
		return nil, "", fmt.Errorf("corpus dir: %w", err)
	}

	pattern := filepath.Join(dir, "**", "*.yaml")
	paths, err := doublestar.FilepathGlob(pattern)
	if err != nil {
		return nil, "", fmt.Errorf("glob corpus shards: %w", err)
	}

	var techniques []Technique
	var version string
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, "", fmt.Errorf("read shard %s: %w", path, err)
		}
		shard, err := parseShard(data)
		if err != nil {
			return nil, "", fmt.Errorf("parse shard %s: %w", path, err)
		}
		techniques = append(techniques, shard.Techniques...)
		if shard.Version != "" {
			version = shard.Version
		}
	}
	return techniques, version, nil
}

func parseShard(data []byte) (*corpusShard, error) {
	var shard corpusShard
	if err := yaml.Unmarshal(data, &shard); err != nil {
		return nil, err
	}
	return &shard, nil
}
