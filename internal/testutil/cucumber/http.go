package cucumber

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/cucumber/godog"
)

func init() {
	StepModules = append(StepModules, func(ctx *godog.ScenarioContext, s *TestScenario) {
		ctx.Step(`^I am authenticated as user "([^"]*)"$`, s.iAmAuthenticatedAsUser)
		ctx.Step(`^I am not authenticated$`, s.iAmNotAuthenticated)
		ctx.Step(`^I set the "([^"]*)" header to "([^"]*)"$`, s.iSetTheHeaderTo)
		ctx.Step(`^I (GET|POST|DELETE) path "([^"]*)"$`, s.sendHTTPRequest)
		ctx.Step(`^I (GET|POST|DELETE) path "([^"]*)" with json body:$`, s.SendHTTPRequestWithJSONBody)

		ctx.Step(`^the response code should be (\d+)$`, s.theResponseCodeShouldBe)
		ctx.Step(`^the response should match json:$`, s.theResponseShouldMatchJSON)
		ctx.Step(`^the response should contain "([^"]*)"$`, s.theResponseShouldContain)
		ctx.Step(`^the "([^"]*)" selection from the response should match "([^"]*)"$`, s.theSelectionFromTheResponseShouldMatch)
		ctx.Step(`^I store the "([^"]*)" selection from the response as \${([^}]*)}$`, s.iStoreTheSelectionFromTheResponseAs)
		ctx.Step(`^\${([^}]*)} should have length (\d+)$`, s.variableShouldHaveLength)
	})
}

func (s *TestScenario) iAmAuthenticatedAsUser(user string) error {
	s.CurrentUser = user
	return nil
}

func (s *TestScenario) iAmNotAuthenticated() error {
	s.CurrentUser = ""
	return nil
}

func (s *TestScenario) iSetTheHeaderTo(name, value string) error {
	expanded, err := s.Expand(value)
	if err != nil {
		return err
	}
	s.Session().Header.Set(name, expanded)
	return nil
}

func (s *TestScenario) sendHTTPRequest(method, path string) error {
	return s.SendHTTPRequestWithJSONBody(method, path, nil)
}

// SendHTTPRequestWithJSONBody sends a request as the current user. The bearer
// token is the user name, matching the server's API-key identity mode.
func (s *TestScenario) SendHTTPRequestWithJSONBody(method, path string, doc *godog.DocString) error {
	session := s.Session()

	body := &bytes.Buffer{}
	if doc != nil {
		expanded, err := s.Expand(doc.Content)
		if err != nil {
			return err
		}
		body.WriteString(expanded)
	}
	expandedPath, err := s.Expand(path)
	if err != nil {
		return err
	}

	session.reset()
	req, err := http.NewRequestWithContext(context.Background(), method, s.Suite.APIURL+expandedPath, body)
	if err != nil {
		return err
	}
	req.Header = session.Header.Clone()
	if session.User != "" && req.Header.Get("Authorization") == "" {
		req.Header.Set("Authorization", "Bearer "+session.User)
	}
	if req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := session.Client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	session.Resp = resp
	session.RespBytes, err = io.ReadAll(resp.Body)
	return err
}

func (s *TestScenario) theResponseCodeShouldBe(expected int) error {
	session := s.Session()
	if session.Resp == nil {
		return fmt.Errorf("no HTTP response available")
	}
	if actual := session.Resp.StatusCode; expected != actual {
		return fmt.Errorf("expected response code to be: %d, but actual is: %d, body: %s", expected, actual, string(session.RespBytes))
	}
	return nil
}

func (s *TestScenario) theResponseShouldMatchJSON(expected *godog.DocString) error {
	session := s.Session()
	if len(session.RespBytes) == 0 {
		return fmt.Errorf("got an empty response from server, expected a json body")
	}
	return s.JSONMustMatch(string(session.RespBytes), expected.Content)
}

func (s *TestScenario) theResponseShouldContain(expected string) error {
	expanded, err := s.Expand(expected)
	if err != nil {
		return err
	}
	if body := string(s.Session().RespBytes); !strings.Contains(body, expanded) {
		return fmt.Errorf("expected response to contain '%s', but it does not. Response body: %s", expanded, body)
	}
	return nil
}

func (s *TestScenario) theSelectionFromTheResponseShouldMatch(selector, expected string) error {
	doc, err := s.Session().RespJSON()
	if err != nil {
		return err
	}
	actual, err := selectOne(selector, doc)
	if err != nil {
		return err
	}
	expected, err = s.Expand(expected)
	if err != nil {
		return err
	}
	got := "null"
	if actual != nil {
		got = fmt.Sprintf("%v", actual)
	}
	if got != expected {
		return fmt.Errorf("selected JSON does not match. expected: %v, actual: %v", expected, got)
	}
	return nil
}

func (s *TestScenario) iStoreTheSelectionFromTheResponseAs(selector, as string) error {
	doc, err := s.Session().RespJSON()
	if err != nil {
		return err
	}
	value, err := selectOne(selector, doc)
	if err != nil {
		return err
	}
	s.Variables[as] = value
	return nil
}

func (s *TestScenario) variableShouldHaveLength(name string, expected int) error {
	value, err := s.ResolveString(name)
	if err != nil {
		return err
	}
	if len(value) != expected {
		return fmt.Errorf("expected ${%s} to have length %d, got %d (%q)", name, expected, len(value), value)
	}
	return nil
}
