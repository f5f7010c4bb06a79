// Package wave implements the Initiative Wave Builder (spec §4.J): batch
// selection of ready WUs for parallel execution with per-lane fairness and
// idempotent resumption across repeated calls.
//
// Grounded on the teacher's runtime/artifacts.go accumulator/dedup-by-id
// pattern (ArtifactManager's orphan/committed bookkeeping) and
// runtime/fanout.go's deterministic-selection-then-persist shape (Operator
// dedups by a computed key before committing a work item).
package wave

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/lumenflow/lumenflow/clock"
	"github.com/lumenflow/lumenflow/eventlog"
	"github.com/lumenflow/lumenflow/types"
)

var wuNumPattern = regexp.MustCompile(`^WU-(\d+)$`)

// Builder selects the next wave of an initiative's ready WUs (spec §4.J).
type Builder struct {
	WavesDir  string
	StampsDir string
	Clock     clock.Clock
}

// BuildOptions configures BuildWave.
type BuildOptions struct {
	DryRun bool
}

// Result is the manifest BuildWave selected, or nil if nothing is eligible.
type Result struct {
	Wave         int
	ManifestPath string
	WUs          []types.WaveWU
}

// BuildWave selects the next wave for initiative from idx's ready WUs,
// excluding anything already stamped or already present in a prior
// manifest, applying per-lane fairness (spec §4.J steps 1-7).
func (b *Builder) BuildWave(initiative string, idx *eventlog.IndexedState, opts BuildOptions) (*Result, error) {
	priorManifests, err := b.loadPriorManifests(initiative)
	if err != nil {
		return nil, fmt.Errorf("wave: load prior manifests: %w", err)
	}

	nextWave := 0
	excluded := make(map[string]struct{})
	for _, m := range priorManifests {
		if m.Wave+1 > nextWave {
			nextWave = m.Wave + 1
		}
		for _, wu := range m.WUs {
			excluded[wu.ID] = struct{}{}
		}
	}

	stamped, err := b.stampedIDs()
	if err != nil {
		return nil, fmt.Errorf("wave: scan stamps: %w", err)
	}
	for id := range stamped {
		excluded[id] = struct{}{}
	}

	eligible := b.eligibleIDs(initiative, idx, excluded)
	selected := selectFairly(eligible, idx)
	if len(selected) == 0 {
		return nil, nil
	}

	wus := make([]types.WaveWU, 0, len(selected))
	for _, id := range selected {
		rec := idx.ByID[id]
		wus = append(wus, types.WaveWU{ID: id, Lane: rec.Lane, Status: "spawned"})
	}

	manifest := types.WaveManifest{
		Initiative: initiative,
		Wave:       nextWave,
		CreatedAt:  b.Clock.Now(),
		WUs:        wus,
	}

	result := &Result{Wave: nextWave, WUs: wus}
	if opts.DryRun {
		return result, nil
	}

	path, err := b.persist(initiative, manifest)
	if err != nil {
		return nil, err
	}
	result.ManifestPath = path
	return result, nil
}

// eligibleIDs returns the ids of initiative's ready WUs not in excluded,
// sorted for deterministic downstream selection.
func (b *Builder) eligibleIDs(initiative string, idx *eventlog.IndexedState, excluded map[string]struct{}) []string {
	var ids []string
	for id := range idx.ByStatus[types.StatusReady] {
		rec := idx.ByID[id]
		if rec == nil || rec.Initiative != initiative {
			continue
		}
		if _, skip := excluded[id]; skip {
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return wuNum(ids[i]) < wuNum(ids[j]) })
	return ids
}

// selectFairly picks at most one id per lane: the lowest numeric WU id
// wins (spec §4.J step 4).
func selectFairly(ids []string, idx *eventlog.IndexedState) []string {
	byLane := make(map[string]string)
	var lanesInOrder []string
	for _, id := range ids {
		rec := idx.ByID[id]
		lane := rec.Lane
		if existing, ok := byLane[lane]; ok {
			if wuNum(id) < wuNum(existing) {
				byLane[lane] = id
			}
			continue
		}
		byLane[lane] = id
		lanesInOrder = append(lanesInOrder, lane)
	}
	sort.Strings(lanesInOrder)
	out := make([]string, 0, len(lanesInOrder))
	for _, lane := range lanesInOrder {
		out = append(out, byLane[lane])
	}
	return out
}

func wuNum(id string) int {
	m := wuNumPattern.FindStringSubmatch(id)
	if m == nil {
		return 0
	}
	n, _ := strconv.Atoi(m[1])
	return n
}

func (b *Builder) stampedIDs() (map[string]struct{}, error) {
	out := make(map[string]struct{})
	entries, err := os.ReadDir(b.StampsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return out, nil
		}
		return nil, err
	}
	for _, e := range entries {
		name := strings.TrimSuffix(e.Name(), ".done")
		if name != e.Name() {
			out[name] = struct{}{}
		}
	}
	return out, nil
}

func (b *Builder) loadPriorManifests(initiative string) ([]types.WaveManifest, error) {
	entries, err := os.ReadDir(b.WavesDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	prefix := kebab(initiative) + "-wave-"
	var manifests []types.WaveManifest
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), prefix) || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(b.WavesDir, e.Name()))
		if err != nil {
			return nil, err
		}
		var m types.WaveManifest
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("wave: unmarshal manifest %s: %w", e.Name(), err)
		}
		manifests = append(manifests, m)
	}
	return manifests, nil
}

func (b *Builder) persist(initiative string, manifest types.WaveManifest) (string, error) {
	if err := os.MkdirAll(b.WavesDir, 0o755); err != nil {
		return "", fmt.Errorf("wave: ensure waves dir: %w", err)
	}
	path := filepath.Join(b.WavesDir, fmt.Sprintf("%s-wave-%d.json", kebab(initiative), manifest.Wave))

	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return "", fmt.Errorf("wave: marshal manifest: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("wave: write manifest: %w", err)
	}
	return path, nil
}

// kebab matches config.Paths' lane-to-filename normalization, duplicated
// here (rather than imported) to keep wave decoupled from config.
func kebab(s string) string {
	out := make([]rune, 0, len(s))
	prevHyphen := false
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			out = append(out, r)
			prevHyphen = false
		case r >= 'A' && r <= 'Z':
			out = append(out, r-'A'+'a')
			prevHyphen = false
		default:
			if !prevHyphen && len(out) > 0 {
				out = append(out, '-')
				prevHyphen = true
			}
		}
	}
	for len(out) > 0 && out[len(out)-1] == '-' {
		out = out[:len(out)-1]
	}
	return string(out)
}
