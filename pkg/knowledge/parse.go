package knowledge

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

const frontMatterDelimiter = "---"

// Parse decodes an entry file.
func Parse(raw []byte) (*Entry, error) {
	s := strings.ReplaceAll(string(raw), "\r\n", "\n")
	if !strings.HasPrefix(s, frontMatterDelimiter) {
		return nil, fmt.Errorf("knowledge: missing front-matter delimiter")
	}
	rest := s[len(frontMatterDelimiter):]
	idx := strings.Index(rest, "\n"+frontMatterDelimiter)
	if idx == -1 {
		return nil, fmt.Errorf("knowledge: unclosed front-matter block")
	}
	yamlBlock := rest[:idx]
	body := rest[idx+len("\n"+frontMatterDelimiter):]
	if strings.HasPrefix(body, "\n\n") {
		body = body[2:]
	} else if strings.HasPrefix(body, "\n") {
		body = body[1:]
	}

	var meta Meta
	if err := yaml.Unmarshal([]byte(yamlBlock), &meta); err != nil {
		return nil, fmt.Errorf("knowledge: front-matter parse error: %w", err)
	}
	if err := ValidateKey(meta.Key); err != nil {
		return nil, err
	}
	return &Entry{Meta: meta, Content: strings.TrimRight(body, "\n")}, nil
}

// Serialize renders an entry to its on-disk form.
func Serialize(e *Entry) ([]byte, error) {
	yamlBytes, err := yaml.Marshal(&e.Meta)
	if err != nil {
		return nil, fmt.Errorf("knowledge: serialize error: %w", err)
	}
	var sb strings.Builder
	sb.WriteString(frontMatterDelimiter + "\n")
	sb.Write(yamlBytes)
	sb.WriteString(frontMatterDelimiter + "\n\n")
	sb.WriteString(e.Content)
	if !strings.HasSuffix(e.Content, "\n") {
		sb.WriteString("\n")
	}
	return []byte(sb.String()), nil
}
