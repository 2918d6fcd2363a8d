package agent

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	// DefaultMaxOutputLines is the global default line cap before truncation.
	DefaultMaxOutputLines = 2000

	// DefaultMaxOutputBytes is the global default byte cap before truncation (50 KiB).
	DefaultMaxOutputBytes = 50 << 10
)

// TruncationConfig parameterizes the truncation middleware (SPEC_FULL.md
// §4.3), per tool.
type TruncationConfig struct {
	// SpillDir is where full tool output is written when truncated. Empty
	// disables the middleware entirely.
	SpillDir string

	// MaxLines and MaxBytes override the global defaults for one tool.
	// Zero means "use the global default".
	MaxLines int
	MaxBytes int

	// KeepTail keeps the tail of the output instead of the head when
	// truncating by line count.
	KeepTail bool

	// SkipTools lists tool names exempt from truncation entirely.
	SkipTools []string

	// RetentionDays bounds how long spilled files are kept; CleanupSpillDir
	// enforces it.
	RetentionDays int
}

// DefaultTruncationConfig returns the spec's global defaults with
// truncation disabled (no SpillDir) until a caller configures one.
func DefaultTruncationConfig() TruncationConfig {
	return TruncationConfig{
		MaxLines:      DefaultMaxOutputLines,
		MaxBytes:      DefaultMaxOutputBytes,
		RetentionDays: 7,
	}
}

func (c TruncationConfig) skips(tool string) bool {
	for _, name := range c.SkipTools {
		if name == tool {
			return true
		}
	}
	return false
}

func (c TruncationConfig) limits() (maxLines, maxBytes int) {
	maxLines = c.MaxLines
	if maxLines <= 0 {
		maxLines = DefaultMaxOutputLines
	}
	maxBytes = c.MaxBytes
	if maxBytes <= 0 {
		maxBytes = DefaultMaxOutputBytes
	}
	return maxLines, maxBytes
}

// TruncateToolOutput implements the §4.3 truncation middleware: skip if the
// output is empty, the tool already set metadata.truncated, or the tool is
// in the skip list; otherwise cap by line and byte count (keeping head or
// tail per config), spilling the untruncated output to SpillDir and
// annotating the result with a recovery hint.
func TruncateToolOutput(toolName string, result *ToolResult, config TruncationConfig) *ToolResult {
	if result == nil || result.Content == "" || config.SpillDir == "" || config.skips(toolName) {
		return result
	}
	if result.Metadata != nil {
		if truncated, ok := result.Metadata["truncated"].(bool); ok && truncated {
			return result
		}
	}

	maxLines, maxBytes := config.limits()
	lines := strings.Split(result.Content, "\n")

	lineOverflow := len(lines) > maxLines
	byteOverflow := len(result.Content) > maxBytes
	if !lineOverflow && !byteOverflow {
		return result
	}

	kept := lines
	removedLines := 0
	if lineOverflow {
		if config.KeepTail {
			kept = lines[len(lines)-maxLines:]
		} else {
			kept = lines[:maxLines]
		}
		removedLines = len(lines) - maxLines
	}

	truncated := strings.Join(kept, "\n")
	if byteOverflow && len(truncated) > maxBytes {
		if config.KeepTail {
			truncated = truncated[len(truncated)-maxBytes:]
		} else {
			truncated = truncated[:maxBytes]
		}
	}

	spillPath, err := spillToolOutput(config.SpillDir, toolName, result.Content)
	hint := fmt.Sprintf("\n\n[output truncated: %d lines removed]", removedLines)
	if err == nil {
		hint = fmt.Sprintf("\n\nFull output saved to: %s [%d lines removed]", spillPath, removedLines)
	}

	out := *result
	out.Content = truncated + hint
	if out.Metadata == nil {
		out.Metadata = map[string]any{}
	} else {
		clone := make(map[string]any, len(out.Metadata)+1)
		for k, v := range out.Metadata {
			clone[k] = v
		}
		out.Metadata = clone
	}
	out.Metadata["truncated"] = true
	if spillPath != "" {
		out.Metadata["spill_path"] = spillPath
	}
	return &out
}

func spillToolOutput(dir, toolName, content string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	var suffix [3]byte
	if _, err := rand.Read(suffix[:]); err != nil {
		return "", err
	}
	name := fmt.Sprintf("%s_%d_%s.txt", toolName, time.Now().UnixMilli(), hex.EncodeToString(suffix[:]))
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return "", err
	}
	return path, nil
}

// CleanupSpillDir removes spilled output files older than config.RetentionDays.
// Intended to be called periodically (see internal/kernel's retention sweep).
func CleanupSpillDir(config TruncationConfig) error {
	if config.SpillDir == "" || config.RetentionDays <= 0 {
		return nil
	}
	cutoff := time.Now().AddDate(0, 0, -config.RetentionDays)
	entries, err := os.ReadDir(config.SpillDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			_ = os.Remove(filepath.Join(config.SpillDir, entry.Name()))
		}
	}
	return nil
}
