// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package router

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// diffKeys lists the payload fields a diff might arrive under, in
// priority order, per spec §4.G: "diff|patch|unified_diff|
// changes[].diff|fileChanges.*.diff".
var diffKeys = []string{"diff", "patch", "unified_diff"}

// ExtractDiff finds a diff's text and affected path inside a loosely
// typed provider payload (spec §4.G diff emission rule).
func ExtractDiff(payload map[string]interface{}) (text string, path string, ok bool) {
	for _, k := range diffKeys {
		if s, isStr := payload[k].(string); isStr && s != "" {
			text = s
			break
		}
	}

	if text == "" {
		if changes, isArr := payload["changes"].([]interface{}); isArr {
			for _, c := range changes {
				m, isMap := c.(map[string]interface{})
				if !isMap {
					continue
				}
				if s, isStr := m["diff"].(string); isStr && s != "" {
					text = s
					if p, ok := m["path"].(string); ok {
						path = p
					}
					break
				}
			}
		}
	}

	if text == "" {
		if fc, isMap := payload["fileChanges"].(map[string]interface{}); isMap {
			for p, v := range fc {
				m, isMap2 := v.(map[string]interface{})
				if !isMap2 {
					continue
				}
				if s, isStr := m["diff"].(string); isStr && s != "" {
					text = s
					path = p
					break
				}
			}
		}
	}

	if text == "" {
		return "", "", false
	}

	if path == "" {
		if p, isStr := payload["path"].(string); isStr {
			path = p
		}
	}
	if path == "" {
		path = pathFromDiffText(text)
	}

	return text, path, true
}

// pathFromDiffText falls back to parsing a unified diff's own headers
// when the provider payload doesn't carry a structured path field.
func pathFromDiffText(text string) string {
	for _, line := range strings.Split(text, "\n") {
		if strings.HasPrefix(line, "+++ b/") {
			return strings.TrimPrefix(line, "+++ b/")
		}
		if strings.HasPrefix(line, "+++ ") {
			return strings.TrimSpace(strings.TrimPrefix(line, "+++ "))
		}
	}
	for _, line := range strings.Split(text, "\n") {
		if strings.HasPrefix(line, "diff --git a/") {
			fields := strings.Fields(line)
			if len(fields) >= 4 {
				return strings.TrimPrefix(fields[3], "b/")
			}
		}
	}
	return ""
}

// DiffSignature computes a signature over the diff's file/hunk headers
// plus the full text, so re-sent duplicates of the same diff hash
// identically (spec §4.G: "a signature over file headers + hunk
// headers + full diff").
func DiffSignature(text string) string {
	var headers strings.Builder
	for _, line := range strings.Split(text, "\n") {
		switch {
		case strings.HasPrefix(line, "---"), strings.HasPrefix(line, "+++"), strings.HasPrefix(line, "@@"):
			headers.WriteString(line)
			headers.WriteByte('\n')
		}
	}
	h := sha256.New()
	h.Write([]byte(headers.String()))
	h.Write([]byte(text))
	return hex.EncodeToString(h.Sum(nil))
}
