package engine

import "strings"

// Strategy selects how a language's tests run.
type Strategy string

const (
	// StrategyBatch runs every test inside one container via the batch
	// runner script. One container startup instead of one per test.
	StrategyBatch Strategy = "batch"

	// StrategyIndividual starts a fresh container per test. Slower, but
	// works for any language without a runner script.
	StrategyIndividual Strategy = "individual"
)

// Profile is the execution recipe for one language. The languages table
// gates which slugs users may submit; profiles gate what the engine can
// actually run.
type Profile struct {
	Slug           string
	Name           string
	Image          string
	FileExtension  string
	RunCommand     string
	CompileCommand string
	Strategy       Strategy
}

// NeedsCompilation reports whether a compile step runs before tests.
func (p Profile) NeedsCompilation() bool {
	return p.CompileCommand != ""
}

// Filename returns the source filename inside the work dir. Java is
// pinned to Solution.java because the public class name must match.
func (p Profile) Filename() string {
	if p.Slug == "java" {
		return "Solution.java"
	}
	return "solution" + p.FileExtension
}

var profiles = map[string]Profile{
	"python3": {
		Slug:          "python3",
		Name:          "Python 3.12",
		Image:         "python:3.12-slim",
		FileExtension: ".py",
		RunCommand:    "python3 /app/solution.py",
		Strategy:      StrategyBatch,
	},
	"python": {
		Slug:          "python",
		Name:          "Python 3.12",
		Image:         "python:3.12-slim",
		FileExtension: ".py",
		RunCommand:    "python3 /app/solution.py",
		Strategy:      StrategyBatch,
	},
	"java": {
		Slug:           "java",
		Name:           "Java 21",
		Image:          "eclipse-temurin:21-jdk",
		FileExtension:  ".java",
		RunCommand:     "java -cp /app Solution",
		CompileCommand: "javac -d /app /app/Solution.java",
		Strategy:       StrategyIndividual,
	},
	"c": {
		Slug:           "c",
		Name:           "C (GCC 13)",
		Image:          "gcc:13",
		FileExtension:  ".c",
		RunCommand:     "/app/solution",
		CompileCommand: "gcc -O2 -std=c17 -o /app/solution /app/solution.c",
		Strategy:       StrategyIndividual,
	},
}

// LookupProfile resolves a language slug case-insensitively.
func LookupProfile(slug string) (Profile, bool) {
	p, ok := profiles[strings.ToLower(slug)]
	return p, ok
}

// SupportedSlugs lists every runnable language slug.
func SupportedSlugs() []string {
	slugs := make([]string, 0, len(profiles))
	for slug := range profiles {
		slugs = append(slugs, slug)
	}
	return slugs
}

// Images lists the distinct container images the profiles need, for
// pre-pulling at worker startup.
func Images() []string {
	seen := make(map[string]struct{}, len(profiles))
	var images []string
	for _, p := range profiles {
		if _, ok := seen[p.Image]; ok {
			continue
		}
		seen[p.Image] = struct{}{}
		images = append(images, p.Image)
	}
	return images
}
