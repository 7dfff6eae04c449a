// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package ptyengine

import (
	"fmt"
	"strings"
)

// Sentinel line prefixes the rc script emits on the reserved marker
// descriptor (spec §6, "PTY sentinel protocol").
const (
	SentinelBegin  = "__FWS_BLOCK_BEGIN__"
	SentinelEnd    = "__FWS_BLOCK_END__"
	SentinelPrompt = "__FWS_PROMPT__"
	sentinelReady  = "__FWS_READY__"
)

// markerFileName is the sentinel log under agent_pty/ that the rc
// script's descriptor 3 appends to. Sentinels never travel on the PTY
// stream itself, so command output that happens to contain a
// sentinel-shaped line can't be mistaken for a protocol control line.
const markerFileName = "markers.log"

// rcTemplate is the bash rc a conversation's supervised shell is
// started with. __FWS_MARKER_FILE_PATH__ is substituted by GenerateRC.
// The host always drives block framing explicitly (__fws_emit_begin/
// __fws_emit_end wrap each submission), and PROMPT_COMMAND
// unconditionally emits a PROMPT sentinel after every top-level command
// — whether that command was a host-wrapped block or a raw
// interactive-mode submission.
const rcTemplate = `# generated by internal/ptyengine — do not edit by hand
__FWS_MARKER_FILE="__FWS_MARKER_FILE_PATH__"
: > "$__FWS_MARKER_FILE"
exec 3>>"$__FWS_MARKER_FILE"

__fws_b64() { printf %s "$1" | base64 | tr -d '\n'; }
__fws_now_ms() { date +%s%3N 2>/dev/null || echo $(( $(date +%s) * 1000 )); }

__fws_emit_begin() {
  local cmd_b64="$1" cwd_b64="$2" seq="$3"
  local ts="$(__fws_now_ms)"
  printf '\n__FWS_BLOCK_BEGIN__ seq=%s ts=%s cwd_b64=%s cmd_b64=%s\n' "$seq" "$ts" "$cwd_b64" "$cmd_b64" >&3
}

__fws_emit_end() {
  local exit_code="$1" seq="$2"
  local ts="$(__fws_now_ms)"
  printf '\n__FWS_BLOCK_END__ seq=%s ts=%s exit=%s\n' "$seq" "$ts" "$exit_code" >&3
}

__fws_emit_prompt() {
  local exit_code="${1:-$?}"
  local ts="$(__fws_now_ms)"
  local cwd_b64="$(__fws_b64 "$(pwd -P 2>/dev/null || pwd)")"
  printf '\n__FWS_PROMPT__ ts=%s cwd_b64=%s exit=%s\n' "$ts" "$cwd_b64" "$exit_code" >&3
}

__fws_manual_precmd() {
  local ec="$?"
  __fws_emit_prompt "$ec"
}
PROMPT_COMMAND="__fws_manual_precmd"
printf '\n__FWS_READY__ ts=%s\n' "$(__fws_now_ms)" >&3
`

// GenerateRC renders the rc script with the marker file path baked in,
// the same placeholder substitution original_source/shell_manager.py's
// _write_rcfile performs on __FWS_MARKER_FILE_PATH__.
func GenerateRC(markerPath string) string {
	return strings.ReplaceAll(rcTemplate, "__FWS_MARKER_FILE_PATH__", markerPath)
}

// WrapBlockCommand builds the single PTY-stdin line that frames one
// manual-mode submission (spec §4.D Block mode): the rc's emit_begin
// runs, then the base64-encoded command is decoded and eval'd as one
// unit (so "echo hi && pwd" stays one block, not two), then emit_end
// records the eval's exit code. Everything travels base64-encoded so no
// quoting of the user's command is ever needed.
func WrapBlockCommand(cmdB64, cwdB64 string, seq uint64) string {
	return fmt.Sprintf(
		"__fws_emit_begin %s %s %d; eval \"$(printf %%s %s | base64 -d)\"; __fws_ec=$?; __fws_emit_end $__fws_ec %d\n",
		cmdB64, cwdB64, seq, cmdB64, seq,
	)
}
