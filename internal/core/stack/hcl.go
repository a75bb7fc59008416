package stack

import (
	"encoding/json"
	"fmt"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	ctyjson "github.com/zclconf/go-cty/cty/json"
)

// hclRoot is the top level of an HCL stack file:
//
//	name = "demo"
//	resource "network" "N" { max_azs = 3 }
//	pipeline "web" { source = { repository = "acme/web", branch = "main" } ... }
//	output "url" { resource = "L", key = "dns_name" }
type hclRoot struct {
	Name      string         `hcl:"name,optional"`
	Resources []*hclResource `hcl:"resource,block"`
	Pipelines []*hclPipeline `hcl:"pipeline,block"`
	Outputs   []*hclOutput   `hcl:"output,block"`
}

type hclResource struct {
	Kind string   `hcl:"kind,label"`
	ID   string   `hcl:"id,label"`
	Body hcl.Body `hcl:",remain"`
}

type hclPipeline struct {
	ID   string   `hcl:"id,label"`
	Body hcl.Body `hcl:",remain"`
}

type hclOutput struct {
	Name        string `hcl:"name,label"`
	Resource    string `hcl:"resource"`
	Key         string `hcl:"key"`
	Description string `hcl:"description,optional"`
}

// hclToJSON converts an HCL stack file into the JSON stack document. Resource
// attributes become the descriptor's config, except depends_on.
func hclToJSON(filename string, data []byte) ([]byte, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(data, filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to parse HCL: %w", diags)
	}

	var root hclRoot
	if diags := gohcl.DecodeBody(file.Body, nil, &root); diags.HasErrors() {
		return nil, fmt.Errorf("failed to decode HCL: %w", diags)
	}

	document := map[string]any{
		"resources": []any{},
	}
	if root.Name != "" {
		document["name"] = root.Name
	}

	resources := make([]any, 0, len(root.Resources))
	for _, r := range root.Resources {
		attrs, err := attributesToJSON(r.Body)
		if err != nil {
			return nil, fmt.Errorf("resource %q %q: %w", r.Kind, r.ID, err)
		}
		entry := map[string]any{"id": r.ID, "kind": r.Kind}
		if deps, ok := attrs["depends_on"]; ok {
			entry["depends_on"] = deps
			delete(attrs, "depends_on")
		}
		if len(attrs) > 0 {
			entry["config"] = attrs
		}
		resources = append(resources, entry)
	}
	document["resources"] = resources

	if len(root.Pipelines) > 0 {
		pipelines := make([]any, 0, len(root.Pipelines))
		for _, p := range root.Pipelines {
			attrs, err := attributesToJSON(p.Body)
			if err != nil {
				return nil, fmt.Errorf("pipeline %q: %w", p.ID, err)
			}
			entry := map[string]any{"id": p.ID}
			for k, v := range attrs {
				entry[k] = v
			}
			pipelines = append(pipelines, entry)
		}
		document["pipelines"] = pipelines
	}

	if len(root.Outputs) > 0 {
		outputs := make([]any, 0, len(root.Outputs))
		for _, o := range root.Outputs {
			entry := map[string]any{"name": o.Name, "resource": o.Resource, "key": o.Key}
			if o.Description != "" {
				entry["description"] = o.Description
			}
			outputs = append(outputs, entry)
		}
		document["outputs"] = outputs
	}

	return json.Marshal(document)
}

// attributesToJSON evaluates every attribute of a body without variables or
// functions and returns the values as raw JSON.
func attributesToJSON(body hcl.Body) (map[string]any, error) {
	attrs, diags := body.JustAttributes()
	if diags.HasErrors() {
		return nil, diags
	}

	out := make(map[string]any, len(attrs))
	for name, attr := range attrs {
		val, diags := attr.Expr.Value(nil)
		if diags.HasErrors() {
			return nil, fmt.Errorf("attribute %s: %w", name, diags)
		}
		raw, err := ctyjson.Marshal(val, val.Type())
		if err != nil {
			return nil, fmt.Errorf("attribute %s: %w", name, err)
		}
		out[name] = json.RawMessage(raw)
	}
	return out, nil
}
