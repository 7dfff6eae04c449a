// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package tailer

import "encoding/json"

// TranscriptTranslator passes transcript.jsonl rows through unmodified;
// it already carries the shape WebSocket subscribers expect.
func TranscriptTranslator(line []byte) []byte { return line }

// PTYEventTranslator maps one agent_pty/events.jsonl row (block
// lifecycle: begin/end, as written by internal/ptyengine) into the
// enriched shape a UI timeline expects, adding a "kind" discriminator so
// a single WebSocket stream can carry both transcript and PTY block
// rows without the client re-deriving which is which.
func PTYEventTranslator(line []byte) []byte {
	var row map[string]interface{}
	if err := json.Unmarshal(line, &row); err != nil {
		return line
	}
	row["kind"] = "pty_block"
	out, err := json.Marshal(row)
	if err != nil {
		return line
	}
	return out
}
