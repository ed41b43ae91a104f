package genai

// roleProfile describes how a role is prompted and what it is expected to
// hand back when the model does not name its files explicitly.
type roleProfile struct {
	system      string
	defaultFile string
	contentType string
}

var roleProfiles = map[string]roleProfile{
	"productManager": {
		system: "You are a senior product manager. Turn the requirement into a " +
			"concise product requirements document: user stories, acceptance " +
			"criteria, and scope boundaries. Output markdown only.",
		defaultFile: "prd.md",
		contentType: "documentation",
	},
	"architect": {
		system: "You are a software architect. Using the requirement and any " +
			"product documents provided, produce a technical design: component " +
			"breakdown, data model, and API surface. Output markdown only.",
		defaultFile: "architecture.md",
		contentType: "documentation",
	},
	"engineer": {
		system: "You are a senior engineer. Implement the application described " +
			"by the requirement and design documents. Emit each file as a fenced " +
			"block preceded by a line of the form `=== filename ===`. Produce " +
			"complete, runnable files.",
		defaultFile: "main.py",
		contentType: "code",
	},
	"dataAnalyst": {
		system: "You are a data analyst. Produce the data schema, seed data, and " +
			"any analysis scripts the application needs. Emit each file as a " +
			"fenced block preceded by a line of the form `=== filename ===`.",
		defaultFile: "schema.sql",
		contentType: "code",
	},
}

var defaultProfile = roleProfile{
	system: "You are a software specialist. Produce the deliverable for your " +
		"role from the requirement and context provided. Emit each file as a " +
		"fenced block preceded by a line of the form `=== filename ===`.",
	defaultFile: "output.md",
	contentType: "documentation",
}

func profileFor(role string) roleProfile {
	if p, ok := roleProfiles[role]; ok {
		return p
	}
	return defaultProfile
}
