package schema

import (
	"strconv"
	"strings"

	"github.com/vektah/gqlparser/v2"
	"github.com/vektah/gqlparser/v2/ast"
)

// Render produces the GraphQL SDL of the catalog. Root fields are nullable
// so a failed query nulls only its own field.
func Render() string {
	var b strings.Builder

	b.WriteString("type Query {\n")
	for _, r := range Roots() {
		renderDescription(&b, "  ", r.Description)
		b.WriteString("  " + r.Field + ": " + r.Type.Name + "\n")
	}
	renderDescription(&b, "  ", "Counters of every coordinator.")
	b.WriteString("  " + StatsField + ": [" + CoordinatorStats.Name + "!]!\n")
	renderDescription(&b, "  ", "IDs of the watched storage units.")
	b.WriteString("  " + WatchesField + ": [String!]!\n")
	b.WriteString("}\n")

	b.WriteString("\ntype Mutation {\n")
	for _, m := range Mutations() {
		renderDescription(&b, "  ", m.Description)
		b.WriteString("  " + m.Field)
		if m.Arg != "" {
			b.WriteString("(" + m.Arg + ": String!)")
		}
		b.WriteString(": " + m.Result + "\n")
	}
	b.WriteString("}\n")

	b.WriteString("\nenum EjectResult {\n")
	for _, v := range EjectResult {
		b.WriteString("  " + v + "\n")
	}
	b.WriteString("}\n")

	for _, t := range Types() {
		b.WriteString("\n")
		renderDescription(&b, "", t.Description)
		b.WriteString("type " + t.Name + " {\n")
		for _, f := range t.Fields {
			renderDescription(&b, "  ", f.Description)
			b.WriteString("  " + f.Name + ": " + graphQLType(f) + "\n")
		}
		b.WriteString("}\n")
	}
	return b.String()
}

// Load parses and validates the rendered SDL.
func Load() (*ast.Schema, error) {
	return gqlparser.LoadSchema(&ast.Source{Name: "sysinfo.graphql", Input: Render()})
}

func graphQLType(f Field) string {
	var named string
	switch f.Scalar {
	case String:
		named = "String"
	case Int:
		named = "Int"
	case Uint64, Float:
		named = "Float"
	case Bool:
		named = "Boolean"
	case Object:
		named = f.Type.Name
	}
	if f.List {
		return "[" + named + "!]!"
	}
	return named + "!"
}

func renderDescription(b *strings.Builder, indent, desc string) {
	if desc == "" {
		return
	}
	b.WriteString(indent + strconv.Quote(desc) + "\n")
}
