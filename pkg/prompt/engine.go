// Package prompt holds the precompiled prompt templates for every
// LLM-facing phase and the minimal substitution engine they render
// through. The engine supports {{identifier}} substitution and bounded
// {{#each list}}...{{/each}} blocks only; arbitrary expressions are
// deliberately not expressible.
package prompt

import (
	"fmt"
	"regexp"
	"strings"
)

var identRe = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// Data carries template values: strings for {{ident}} and []Data for
// {{#each ident}} blocks.
type Data map[string]any

type nodeKind int

const (
	nodeText nodeKind = iota
	nodeVar
	nodeEach
)

type node struct {
	kind     nodeKind
	text     string // nodeText
	ident    string // nodeVar, nodeEach
	children []node // nodeEach
}

// Template is a precompiled prompt template.
type Template struct {
	name  string
	nodes []node
}

// Compile parses text into a template. Unknown constructs and unclosed
// blocks are compile errors so bad templates fail at startup, not
// mid-turn.
func Compile(name, text string) (*Template, error) {
	nodes, rest, err := parse(text, false)
	if err != nil {
		return nil, fmt.Errorf("template %s: %w", name, err)
	}
	if rest != "" {
		return nil, fmt.Errorf("template %s: unexpected {{/each}}", name)
	}
	return &Template{name: name, nodes: nodes}, nil
}

// MustCompile compiles or panics. Used for package-level templates.
func MustCompile(name, text string) *Template {
	t, err := Compile(name, text)
	if err != nil {
		panic(err)
	}
	return t
}

// parse consumes text until end (or a closing {{/each}} when inBlock).
// It returns the parsed nodes and the unconsumed remainder.
func parse(text string, inBlock bool) ([]node, string, error) {
	var nodes []node
	for {
		open := strings.Index(text, "{{")
		if open < 0 {
			if inBlock {
				return nil, "", fmt.Errorf("unclosed {{#each}} block")
			}
			if text != "" {
				nodes = append(nodes, node{kind: nodeText, text: text})
			}
			return nodes, "", nil
		}
		if open > 0 {
			nodes = append(nodes, node{kind: nodeText, text: text[:open]})
		}
		text = text[open+2:]
		closing := strings.Index(text, "}}")
		if closing < 0 {
			return nil, "", fmt.Errorf("unclosed {{ tag")
		}
		tag := strings.TrimSpace(text[:closing])
		text = text[closing+2:]

		switch {
		case strings.HasPrefix(tag, "#each "):
			ident := strings.TrimSpace(strings.TrimPrefix(tag, "#each "))
			if !identRe.MatchString(ident) {
				return nil, "", fmt.Errorf("invalid each identifier %q", ident)
			}
			children, rest, err := parse(text, true)
			if err != nil {
				return nil, "", err
			}
			nodes = append(nodes, node{kind: nodeEach, ident: ident, children: children})
			text = rest
		case tag == "/each":
			if !inBlock {
				return nil, "", fmt.Errorf("unexpected {{/each}}")
			}
			return nodes, text, nil
		default:
			if !identRe.MatchString(tag) {
				return nil, "", fmt.Errorf("invalid identifier %q", tag)
			}
			nodes = append(nodes, node{kind: nodeVar, ident: tag})
		}
	}
}

// Render substitutes data into the template. Missing identifiers render
// empty; a non-list value under an {{#each}} identifier is an error.
func (t *Template) Render(data Data) (string, error) {
	var b strings.Builder
	if err := renderNodes(&b, t.nodes, data); err != nil {
		return "", fmt.Errorf("template %s: %w", t.name, err)
	}
	return b.String(), nil
}

func renderNodes(b *strings.Builder, nodes []node, data Data) error {
	for _, n := range nodes {
		switch n.kind {
		case nodeText:
			b.WriteString(n.text)
		case nodeVar:
			v, ok := data[n.ident]
			if !ok || v == nil {
				continue
			}
			s, ok := v.(string)
			if !ok {
				return fmt.Errorf("identifier %q is not a string", n.ident)
			}
			b.WriteString(s)
		case nodeEach:
			v, ok := data[n.ident]
			if !ok || v == nil {
				continue
			}
			items, ok := v.([]Data)
			if !ok {
				return fmt.Errorf("identifier %q is not a list", n.ident)
			}
			for _, item := range items {
				if err := renderNodes(b, n.children, item); err != nil {
					return err
				}
			}
		}
	}
	return nil
}
