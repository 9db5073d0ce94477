// SPDX-License-Identifier: MPL-2.0

package manifest

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var bareKeyPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Encode writes the manifest in canonical TOML form: [package], then
// [runtime] when set, then one table per input and per output in declaration
// order. Optional fields are omitted when unset. Parse(Encode(m)) yields a
// manifest equal to m.
func (m *Manifest) Encode() ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}

	var b strings.Builder

	b.WriteString("[package]\n")
	fmt.Fprintf(&b, "format = %d\n", m.Format)
	if m.Description != "" {
		fmt.Fprintf(&b, "description = %s\n", quoteString(m.Description))
	}
	if len(m.Authors) > 0 {
		quoted := make([]string, len(m.Authors))
		for i, a := range m.Authors {
			quoted[i] = quoteString(a)
		}
		fmt.Fprintf(&b, "authors = [%s]\n", strings.Join(quoted, ", "))
	}

	if m.Runtime != nil {
		b.WriteString("\n[runtime]\n")
		fmt.Fprintf(&b, "minimal_version = %d\n", m.Runtime.MinimalVersion)
	}

	encodeResources(&b, tableInputs, m.Inputs)
	encodeResources(&b, tableOutputs, m.Outputs)

	return []byte(b.String()), nil
}

func encodeResources(b *strings.Builder, table string, rs Resources) {
	for _, r := range rs {
		fmt.Fprintf(b, "\n[%s.%s]\n", table, quoteKey(string(r.Name)))
		fmt.Fprintf(b, "uri = %s\n", quoteString(r.Ref.URI))
		if r.Ref.Format != nil {
			fmt.Fprintf(b, "format = %s\n", quoteString(r.Ref.Format.String()))
		}
		if r.Ref.Hash != nil {
			fmt.Fprintf(b, "hash = %s\n", quoteString(r.Ref.Hash.String()))
		}
	}
}

// quoteKey returns a bare key when possible, a quoted key otherwise. Valid
// resource names contain no quotes, backslashes or control characters, so
// plain quoting is sufficient.
func quoteKey(k string) string {
	if bareKeyPattern.MatchString(k) {
		return k
	}
	return `"` + k + `"`
}

// quoteString returns a TOML basic string.
func quoteString(s string) string {
	var b strings.Builder
	b.Grow(len(s) + 2)
	b.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			b.WriteString(`\"`)
		case '\\':
			b.WriteString(`\\`)
		case '\b':
			b.WriteString(`\b`)
		case '\t':
			b.WriteString(`\t`)
		case '\n':
			b.WriteString(`\n`)
		case '\f':
			b.WriteString(`\f`)
		case '\r':
			b.WriteString(`\r`)
		default:
			if r < 0x20 || r == 0x7f {
				b.WriteString(`\u`)
				b.WriteString(fmt.Sprintf("%04X", r))
				continue
			}
			b.WriteRune(r)
		}
	}
	b.WriteByte('"')
	return b.String()
}

// Markdown renders a human-readable summary of the manifest.
func (m *Manifest) Markdown(title string) string {
	var b strings.Builder

	fmt.Fprintf(&b, "# %s\n\n", title)
	if m.Description != "" {
		fmt.Fprintf(&b, "%s\n\n", m.Description)
	}
	if len(m.Authors) > 0 {
		fmt.Fprintf(&b, "**Authors:** %s\n\n", strings.Join(m.Authors, ", "))
	}
	fmt.Fprintf(&b, "**Manifest format:** %d\n\n", m.Format)
	if v := m.MinimalRuntimeVersion(); v > 0 {
		fmt.Fprintf(&b, "**Minimal runtime version:** %s\n\n", strconv.FormatUint(uint64(v), 10))
	}

	markdownResources(&b, "Inputs", m.Inputs)
	markdownResources(&b, "Outputs", m.Outputs)

	return b.String()
}

func markdownResources(b *strings.Builder, heading string, rs Resources) {
	fmt.Fprintf(b, "## %s\n\n", heading)
	if len(rs) == 0 {
		b.WriteString("_none_\n\n")
		return
	}
	b.WriteString("| Name | URI | Format | Hash |\n")
	b.WriteString("|---|---|---|---|\n")
	for _, r := range rs {
		tag := "auto"
		if r.Ref.Format != nil {
			tag = r.Ref.Format.String()
		}
		hash := "unverified"
		if r.Ref.Hash != nil {
			hash = "`" + r.Ref.Hash.String() + "`"
		}
		fmt.Fprintf(b, "| %s | `%s` | %s | %s |\n", escapeCell(string(r.Name)), r.Ref.URI, tag, hash)
	}
	b.WriteString("\n")
}

func escapeCell(s string) string {
	return strings.ReplaceAll(s, "|", `\|`)
}
