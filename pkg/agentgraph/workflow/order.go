package workflow

import (
	"bytes"
	"encoding/json"

	"gopkg.in/yaml.v3"
)

// Node declaration order matters for dispatch tie-breaks, and Go maps drop
// it. These helpers recover the key order of the "nodes" object from the raw
// document. An explicit order wins.

func orderFromYAML(root *yaml.Node, explicit []string) []string {
	if len(explicit) > 0 || root == nil {
		return explicit
	}
	doc := root
	if doc.Kind == yaml.DocumentNode && len(doc.Content) > 0 {
		doc = doc.Content[0]
	}
	if doc.Kind != yaml.MappingNode {
		return nil
	}
	for i := 0; i+1 < len(doc.Content); i += 2 {
		if doc.Content[i].Value != "nodes" {
			continue
		}
		nodes := doc.Content[i+1]
		if nodes.Kind != yaml.MappingNode {
			return nil
		}
		order := make([]string, 0, len(nodes.Content)/2)
		for j := 0; j+1 < len(nodes.Content); j += 2 {
			order = append(order, nodes.Content[j].Value)
		}
		return order
	}
	return nil
}

func orderFromJSON(data []byte, explicit []string) []string {
	if len(explicit) > 0 {
		return explicit
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	if tok, err := dec.Token(); err != nil || tok != json.Delim('{') {
		return nil
	}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil
		}
		key, _ := tok.(string)
		if key != "nodes" {
			var skip json.RawMessage
			if err := dec.Decode(&skip); err != nil {
				return nil
			}
			continue
		}
		if tok, err := dec.Token(); err != nil || tok != json.Delim('{') {
			return nil
		}
		var order []string
		for dec.More() {
			tok, err := dec.Token()
			if err != nil {
				return nil
			}
			id, _ := tok.(string)
			order = append(order, id)
			var skip json.RawMessage
			if err := dec.Decode(&skip); err != nil {
				return nil
			}
		}
		return order
	}
	return nil
}
