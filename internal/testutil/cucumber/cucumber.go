// Package cucumber provides a godog-based BDD harness for exercising the HTTP API.
//
// Variables are scoped to the scenario. Each user has its own session holding
// the last HTTP response. Variable references use ${name} syntax:
//   - ${variableName}        → scenario variable lookup
//   - ${response}            → the current user's last response body
//   - ${response.field}      → response body field via gojq
package cucumber

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cucumber/godog"
	"github.com/cucumber/godog/colors"
	"github.com/itchyny/gojq"
	"github.com/pmezard/go-difflib/difflib"
)

// NewTestSuite returns a suite targeting a local server.
func NewTestSuite() *TestSuite {
	return &TestSuite{
		APIURL: "http://localhost:8080",
		Vars:   map[string]any{},
		Extra:  map[string]any{},
	}
}

// DefaultOptions returns the godog options shared by all feature runs.
func DefaultOptions() godog.Options {
	return godog.Options{
		Output:      colors.Colored(os.Stdout),
		Format:      "progress",
		Paths:       []string{"features"},
		Randomize:   time.Now().UTC().UnixNano(),
		Concurrency: 1,
	}
}

// ApplyReportOptions configures junit XML output when GODOG_REPORT_DIR is set.
// Returns a cleanup function that must be called (or deferred) after the test runs.
func ApplyReportOptions(opts *godog.Options, testName string) func() {
	reportDir := os.Getenv("GODOG_REPORT_DIR")
	if reportDir == "" {
		return func() {}
	}
	if err := os.MkdirAll(reportDir, 0755); err != nil {
		return func() {}
	}
	path := filepath.Join(reportDir, strings.ReplaceAll(testName, "/", "-")+".xml")
	f, err := os.Create(path)
	if err != nil {
		return func() {}
	}
	opts.Output = f
	opts.Format = "junit"
	return func() { _ = f.Close() }
}

// TestSuite holds state global to all scenarios.
type TestSuite struct {
	APIURL   string
	TestingT *testing.T
	// Vars seeds every scenario's variables.
	Vars map[string]any
	// Extra carries test-scoped objects (servers, fakes) to step modules.
	Extra map[string]any
	Mu    sync.Mutex
}

// TestScenario holds state for a single scenario. Not accessed concurrently.
type TestScenario struct {
	Suite       *TestSuite
	CurrentUser string
	Variables   map[string]any
	sessions    map[string]*TestSession
}

// TestSession is the HTTP state of one user, like a browser.
type TestSession struct {
	User      string
	Client    *http.Client
	Header    http.Header
	Resp      *http.Response
	RespBytes []byte
	respJSON  any
}

// RespJSON returns the last HTTP response body as parsed JSON.
func (s *TestSession) RespJSON() (any, error) {
	if s.respJSON == nil {
		if len(s.RespBytes) == 0 {
			return nil, fmt.Errorf("no response body")
		}
		if err := json.Unmarshal(s.RespBytes, &s.respJSON); err != nil {
			return nil, fmt.Errorf("error parsing response json: %w\njson was:\n%s", err, s.RespBytes)
		}
	}
	return s.respJSON, nil
}

func (s *TestSession) reset() {
	s.Resp = nil
	s.RespBytes = nil
	s.respJSON = nil
}

func (s *TestScenario) Logf(format string, args ...any) {
	s.Suite.TestingT.Logf(format, args...)
}

// Session returns the current user's session, creating it on first use.
func (s *TestScenario) Session() *TestSession {
	result := s.sessions[s.CurrentUser]
	if result == nil {
		result = &TestSession{
			User:   s.CurrentUser,
			Client: &http.Client{Timeout: 30 * time.Second},
			Header: http.Header{},
		}
		s.sessions[s.CurrentUser] = result
	}
	return result
}

// Expand replaces ${var} references in value.
func (s *TestScenario) Expand(value string) (result string, rerr error) {
	return os.Expand(value, func(name string) string {
		res, err := s.ResolveString(name)
		if err != nil && rerr == nil {
			rerr = err
		}
		return res
	}), rerr
}

func (s *TestScenario) ResolveString(name string) (string, error) {
	value, err := s.Resolve(name)
	if err != nil {
		return "", err
	}
	switch v := value.(type) {
	case string:
		return v, nil
	case nil:
		return "", nil
	case float64:
		return strings.TrimRight(strings.TrimRight(fmt.Sprintf("%f", v), "0"), "."), nil
	case bool, int, int64:
		return fmt.Sprintf("%v", v), nil
	}
	data, err := json.Marshal(value)
	return string(data), err
}

// Resolve looks up a scenario variable or a gojq selection on the last response.
func (s *TestScenario) Resolve(name string) (any, error) {
	name = strings.TrimSpace(name)
	if name == "response" || strings.HasPrefix(name, "response.") || strings.HasPrefix(name, "response[") {
		doc, err := s.Session().RespJSON()
		if err != nil {
			return nil, err
		}
		return selectOne("."+name, map[string]any{"response": doc})
	}
	value, found := s.Variables[name]
	if !found {
		return nil, fmt.Errorf("variable ${%s} not defined yet", name)
	}
	return value, nil
}

// selectOne runs a gojq selector against doc and returns the first result.
func selectOne(selector string, doc any) (any, error) {
	query, err := gojq.Parse(selector)
	if err != nil {
		return nil, fmt.Errorf("invalid selector %q: %w", selector, err)
	}
	iter := query.Run(doc)
	next, found := iter.Next()
	if !found {
		return nil, fmt.Errorf("no node matches selector: %s", selector)
	}
	if err, ok := next.(error); ok {
		return nil, fmt.Errorf("selector %s: %w", selector, err)
	}
	return next, nil
}

// JSONMustMatch compares two JSON documents structurally, reporting a unified diff on mismatch.
func (s *TestScenario) JSONMustMatch(actual, expected string) error {
	var actualParsed, expectedParsed any
	if err := json.Unmarshal([]byte(actual), &actualParsed); err != nil {
		return fmt.Errorf("error parsing actual json: %w\njson was:\n%s", err, actual)
	}
	expanded, err := s.Expand(expected)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(expanded), &expectedParsed); err != nil {
		return fmt.Errorf("error parsing expected json: %w\njson was:\n%s", err, expanded)
	}
	if reflect.DeepEqual(expectedParsed, actualParsed) {
		return nil
	}
	return mismatch(indent(expectedParsed), indent(actualParsed))
}

func indent(v any) string {
	data, _ := json.MarshalIndent(v, "", "  ")
	return string(data)
}

func mismatch(expected, actual string) error {
	diff, _ := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(expected),
		B:        difflib.SplitLines(actual),
		FromFile: "Expected",
		ToFile:   "Actual",
		Context:  1,
	})
	return fmt.Errorf("actual does not match expected, diff:\n%s", diff)
}

// StepModules is the list of functions used to register steps with a godog.ScenarioContext.
var StepModules []func(ctx *godog.ScenarioContext, s *TestScenario)

func (suite *TestSuite) InitializeScenario(ctx *godog.ScenarioContext) {
	s := &TestScenario{
		Suite:     suite,
		sessions:  map[string]*TestSession{},
		Variables: map[string]any{},
	}
	for k, v := range suite.Vars {
		s.Variables[k] = v
	}
	for _, module := range StepModules {
		module(ctx, s)
	}
}
