// Package idgen generates collision-resistant WU identifiers by scanning
// every source that could already hold a higher id, local and remote, and
// retries the create-then-push cycle when two callers race (spec §4.F).
package idgen

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/lumenflow/lumenflow/errs"
	"github.com/lumenflow/lumenflow/log"
	"github.com/lumenflow/lumenflow/vcs"
)

var wuIDPattern = regexp.MustCompile(`^WU-(\d+)`)

// Sources bundles the five scan sources next_wu_id() reads (spec §4.F).
type Sources struct {
	// DocsDir is the local working tree's WU directory (WU-<n>.yaml files).
	DocsDir string
	// StampsDir is the local stamps directory (WU-<n>.done files).
	StampsDir string
	// VCS is used for the three remote-ref reads. Nil disables them (for
	// tests that only exercise the local-only fallback).
	VCS vcs.VCS
	// RemoteRef is the ref the remote scans read from (e.g. "origin/main").
	RemoteRef string
	// EventLogPath is the event log's path within the tree, used with
	// ListTreeAtRef/ShowFileAtRef to read the remote copy.
	EventLogPath string
	Logger       *log.Logger
}

// NextWUID scans all five sources and returns max(n) + 1. A remote fetch
// failure is not fatal: it logs a warning and falls back to the local-only
// maximum.
func NextWUID(ctx context.Context, src Sources) (string, error) {
	maxN := 0

	localDocs, err := maxFromDir(src.DocsDir, `^WU-(\d+)\.yaml$`)
	if err != nil {
		return "", errs.New(errs.ErrIDGenerationFailed, "next_wu_id", map[string]any{"source": "local_docs"}, err)
	}
	maxN = max(maxN, localDocs)

	localStamps, err := maxFromDir(src.StampsDir, `^WU-(\d+)\.done$`)
	if err != nil {
		return "", errs.New(errs.ErrIDGenerationFailed, "next_wu_id", map[string]any{"source": "local_stamps"}, err)
	}
	maxN = max(maxN, localStamps)

	if src.VCS != nil && src.RemoteRef != "" {
		remoteMax, err := scanRemote(ctx, src)
		if err != nil {
			if src.Logger != nil {
				src.Logger.Warn("next_wu_id: remote scan failed, falling back to local maximum", map[string]any{"error": err.Error()})
			}
		} else {
			maxN = max(maxN, remoteMax)
		}
	}

	return "WU-" + strconv.Itoa(maxN+1), nil
}

func scanRemote(ctx context.Context, src Sources) (int, error) {
	maxN := 0

	docNames, err := src.VCS.ListTreeAtRef(ctx, src.RemoteRef, strings.TrimSuffix(src.DocsDir, "/"))
	if err != nil {
		return 0, err
	}
	maxN = max(maxN, maxFromNames(docNames, wuIDPattern))

	stampNames, err := src.VCS.ListTreeAtRef(ctx, src.RemoteRef, strings.TrimSuffix(src.StampsDir, "/"))
	if err != nil {
		return 0, err
	}
	maxN = max(maxN, maxFromNames(stampNames, wuIDPattern))

	if src.EventLogPath != "" {
		content, err := src.VCS.ShowFileAtRef(ctx, src.RemoteRef, src.EventLogPath)
		if err != nil {
			// Event log may not exist yet at that ref; not fatal.
			return maxN, nil
		}
		maxN = max(maxN, maxFromEventLogContent(content))
	}

	return maxN, nil
}

func maxFromDir(dir, pattern string) (int, error) {
	re := regexp.MustCompile(pattern)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	maxN := 0
	for _, e := range entries {
		if m := re.FindStringSubmatch(e.Name()); m != nil {
			if n, err := strconv.Atoi(m[1]); err == nil {
				maxN = max(maxN, n)
			}
		}
	}
	return maxN, nil
}

func maxFromNames(names []string, re *regexp.Regexp) int {
	maxN := 0
	for _, name := range names {
		base := filepath.Base(name)
		if m := re.FindStringSubmatch(base); m != nil {
			if n, err := strconv.Atoi(m[1]); err == nil {
				maxN = max(maxN, n)
			}
		}
	}
	return maxN
}

func maxFromEventLogContent(content string) int {
	maxN := 0
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var row map[string]any
		if err := json.Unmarshal([]byte(line), &row); err != nil {
			continue
		}
		wuID, _ := row["wu_id"].(string)
		if m := wuIDPattern.FindStringSubmatch(wuID); m != nil {
			if n, err := strconv.Atoi(m[1]); err == nil {
				maxN = max(maxN, n)
			}
		}
	}
	return maxN
}
