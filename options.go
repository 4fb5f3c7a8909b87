// This file is part of dotrepro.
//
// Copyright (C) 2024 dotrepro Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

package dotrepro

import (
	"bytes"
	"strconv"
	"strings"
)

// FlagPrefix marks a compiler options token that is a complete command line flag.
const FlagPrefix = "/"

// Well-known compiler option keys.
const (
	OptionLanguage          = "language"
	OptionCompilerVersion   = "compiler-version"
	OptionRuntimeVersion    = "runtime-version"
	OptionVersion           = "version"
	OptionDefine            = "define"
	OptionOptimization      = "optimization"
	OptionOutputKind        = "output-kind"
	OptionLanguageVersion   = "language-version"
	OptionNullable          = "nullable"
	OptionChecked           = "checked"
	OptionUnsafe            = "unsafe"
	OptionPlatform          = "platform"
	OptionSourceFileCount   = "source-file-count"
	OptionFallbackEncoding  = "fallback-encoding"
	OptionDefaultEncoding   = "default-encoding"
	OptionPortabilityPolicy = "portability-policy"
)

var knownOptionKeys = map[string]bool{
	OptionLanguage:          true,
	OptionCompilerVersion:   true,
	OptionRuntimeVersion:    true,
	OptionVersion:           true,
	OptionDefine:            true,
	OptionOptimization:      true,
	OptionOutputKind:        true,
	OptionLanguageVersion:   true,
	OptionNullable:          true,
	OptionChecked:           true,
	OptionUnsafe:            true,
	OptionPlatform:          true,
	OptionSourceFileCount:   true,
	OptionFallbackEncoding:  true,
	OptionDefaultEncoding:   true,
	OptionPortabilityPolicy: true,
	// Visual Basic specific.
	"strict":              true,
	"global-namespaces":   true,
	"root-namespace":      true,
	"option-strict":       true,
	"option-infer":        true,
	"option-explicit":     true,
	"option-compare-text": true,
	"embed-runtime":       true,
}

// IsKnownOptionKey reports whether key is a compiler option key this package recognises.
func IsKnownOptionKey(key string) bool {
	return knownOptionKeys[key]
}

// CompilerOptions is the parsed compilation-options record: key/value options
// plus raw flag tokens that bypass the key/value structure.
type CompilerOptions struct {
	Options map[string]string `json:"options"`
	// Keys holds the option keys in the order they were first seen.
	Keys     []string     `json:"keys"`
	RawFlags []string     `json:"rawFlags"`
	Warnings []Diagnostic `json:"warnings,omitempty"`
}

// ParseCompilerOptions parses a compilation-options record: a sequence of
// null-terminated UTF-8 strings alternating key and value, except for tokens
// starting with FlagPrefix in key position, which are kept verbatim.
//
// Pairing is validated against the known key allowlist. An unknown token that
// is directly followed by a known key or a flag has no value; it is reported
// and skipped so later pairs stay aligned. Parsing never fails.
func ParseCompilerOptions(blob []byte) *CompilerOptions {
	var tokens []string
	for _, part := range bytes.Split(blob, []byte{0}) {
		if len(part) == 0 {
			continue
		}
		tokens = append(tokens, string(part))
	}

	opts := &CompilerOptions{
		Options:  make(map[string]string),
		Keys:     []string{},
		RawFlags: []string{},
	}

	for i := 0; i < len(tokens); {
		tok := tokens[i]
		if strings.HasPrefix(tok, FlagPrefix) {
			opts.RawFlags = append(opts.RawFlags, tok)
			i++
			continue
		}

		if i+1 >= len(tokens) {
			opts.Warnings = append(opts.Warnings, warningf(CodeIsolatedOptionToken, "option %q has no value", tok))
			i++
			continue
		}

		next := tokens[i+1]
		if !IsKnownOptionKey(tok) {
			if IsKnownOptionKey(next) || strings.HasPrefix(next, FlagPrefix) {
				opts.Warnings = append(opts.Warnings, warningf(CodeIsolatedOptionToken, "skipping isolated token %q", tok))
				i++
				continue
			}
			opts.Warnings = append(opts.Warnings, warningf(CodeUnknownOptionKey, "unrecognized option %q", tok))
		}

		opts.set(tok, next)
		i += 2
	}
	return opts
}

func (o *CompilerOptions) set(key, value string) {
	if prev, ok := o.Options[key]; ok {
		d := warningf(CodeDuplicateOptionKey, "option %q set more than once", key)
		d.Expected = prev
		d.Actual = value
		o.Warnings = append(o.Warnings, d)
	} else {
		o.Keys = append(o.Keys, key)
	}
	o.Options[key] = value
}

// Get returns the value of an option.
func (o *CompilerOptions) Get(key string) (string, bool) {
	if o == nil {
		return "", false
	}
	v, ok := o.Options[key]
	return v, ok
}

// Defines returns the preprocessor symbols in their recorded order.
func (o *CompilerOptions) Defines() []string {
	v, _ := o.Get(OptionDefine)
	if v == "" {
		return nil
	}
	var defines []string
	for _, d := range strings.FieldsFunc(v, func(r rune) bool { return r == ',' || r == ';' }) {
		if d = strings.TrimSpace(d); d != "" {
			defines = append(defines, d)
		}
	}
	return defines
}

// Optimized reports whether the optimization option denotes an optimized build.
func (o *CompilerOptions) Optimized() bool {
	v, _ := o.Get(OptionOptimization)
	switch strings.ToLower(v) {
	case "release", "true", "1":
		return true
	}
	return false
}

// SourceFileCount returns the recorded number of source files, or -1.
func (o *CompilerOptions) SourceFileCount() int {
	v, ok := o.Get(OptionSourceFileCount)
	if !ok {
		return -1
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return -1
	}
	return n
}

// boolOption reports whether a boolean option is set to true.
func (o *CompilerOptions) boolOption(key string) bool {
	v, _ := o.Get(key)
	b, _ := strconv.ParseBool(v)
	return b
}

// EncodeCompilerOptions encodes pairs and raw flags in the null-terminated
// layout read by ParseCompilerOptions. Raw flags are written first.
func EncodeCompilerOptions(keys []string, options map[string]string, rawFlags []string) []byte {
	var buf bytes.Buffer
	for _, f := range rawFlags {
		buf.WriteString(f)
		buf.WriteByte(0)
	}
	for _, k := range keys {
		buf.WriteString(k)
		buf.WriteByte(0)
		buf.WriteString(options[k])
		buf.WriteByte(0)
	}
	return buf.Bytes()
}
