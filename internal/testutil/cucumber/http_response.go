package cucumber

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/cucumber/godog"
	"github.com/itchyny/gojq"
)

func init() {
	StepModules = append(StepModules, func(ctx *godog.ScenarioContext, s *TestScenario) {
		ctx.Step(`^the response code should be (\d+)$`, s.theResponseCodeShouldBe)
		ctx.Step(`^the response should contain json:$`, s.TheResponseShouldContainJSONDoc)
		ctx.Step(`^the response should contain "([^"]*)"$`, s.theResponseShouldContain)
		ctx.Step(`^the response should not contain "([^"]*)"$`, s.theResponseShouldNotContain)
		ctx.Step(`^I store the "([^"]*)" selection from the response as \${([^}]*)}$`, s.StoreSelection)
		ctx.Step(`^the "(.*)" selection from the response should match "([^"]*)"$`, s.theSelectionFromTheResponseShouldMatch)
		ctx.Step(`^the "([^"]*)" selection from the response should match json:$`, s.theSelectionFromTheResponseShouldMatchJSON)
		ctx.Step(`^the response header "([^"]*)" should match "([^"]*)"$`, s.theResponseHeaderShouldMatch)
		ctx.Step(`^\${([^}]*)} is not empty$`, s.variableIsNotEmpty)
	})
}

func (s *TestScenario) variableIsNotEmpty(name string) error {
	value, err := s.Resolve(name)
	if err != nil {
		return err
	}
	if value == nil {
		return fmt.Errorf("variable ${%s} is empty", name)
	}
	if str, ok := value.(string); ok && isBlank(str) {
		return fmt.Errorf("variable ${%s} is empty", name)
	}
	return nil
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

func (s *TestScenario) TheResponseShouldContainJSONDoc(expected *godog.DocString) error {
	session := s.Session()
	if len(session.RespBytes) == 0 {
		return fmt.Errorf("got an empty response from server, expected a json body")
	}
	return s.JSONMustContain(string(session.RespBytes), expected.Content, true)
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

func (s *TestScenario) theResponseShouldNotContain(unexpected string) error {
	expanded, err := s.Expand(unexpected)
	if err != nil {
		return err
	}
	if body := string(s.Session().RespBytes); strings.Contains(body, expanded) {
		return fmt.Errorf("expected response not to contain '%s'. Response body: %s", expanded, body)
	}
	return nil
}

func (s *TestScenario) theResponseHeaderShouldMatch(header, expected string) error {
	session := s.Session()
	expanded, err := s.Expand(expected)
	if err != nil {
		return err
	}
	if actual := session.Resp.Header.Get(header); expanded != actual {
		return fmt.Errorf("response header '%s' does not match expected: %v, actual: %v, body:\n%s", header, expanded, actual, string(session.RespBytes))
	}
	return nil
}

// selectOne runs a gojq selector over the last response body.
func (s *TestScenario) selectOne(selector string) (interface{}, error) {
	doc, err := s.Session().RespJSON()
	if err != nil {
		return nil, err
	}
	query, err := gojq.Parse(selector)
	if err != nil {
		return nil, err
	}
	if next, found := query.Run(doc).Next(); found {
		if err, ok := next.(error); ok {
			return nil, err
		}
		return next, nil
	}
	return nil, fmt.Errorf("expected JSON does not have node that matches selector: %s", selector)
}

// StoreSelection stores the gojq selection of the last response as a scenario variable.
func (s *TestScenario) StoreSelection(selector, as string) error {
	value, err := s.selectOne(selector)
	if err != nil {
		return err
	}
	s.Variables[as] = value
	return nil
}

func (s *TestScenario) theSelectionFromTheResponseShouldMatch(selector, expected string) error {
	actual, err := s.selectOne(selector)
	if err != nil {
		return err
	}
	if expected, err = s.Expand(expected); err != nil {
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

func (s *TestScenario) theSelectionFromTheResponseShouldMatchJSON(selector string, expected *godog.DocString) error {
	actual, err := s.selectOne(selector)
	if err != nil {
		return err
	}
	data, err := json.Marshal(actual)
	if err != nil {
		return err
	}
	return s.JSONMustMatch(string(data), expected.Content, true)
}
