package cucumber

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/cucumber/godog"
	"github.com/google/uuid"
)

// Identity headers set by the gateway in front of the service.
const (
	headerUserID   = "X-User-ID"
	headerUserName = "X-User-Name"
	headerUserTier = "X-User-Tier"
)

func init() {
	StepModules = append(StepModules, func(ctx *godog.ScenarioContext, s *TestScenario) {
		ctx.Step(`^"([^"]*)" is a marketplace user$`, s.isAMarketplaceUser)
		ctx.Step(`^I am "([^"]*)"$`, s.iAm)
		ctx.Step(`^I am "([^"]*)" on the "([^"]*)" tier$`, s.iAmOnTier)
		ctx.Step(`^I am anonymous$`, s.iAmAnonymous)

		ctx.Step(`^I (GET|POST|PUT|DELETE|PATCH|OPTIONS) path "([^"]*)"$`, s.sendHTTPRequest)
		ctx.Step(`^I (GET|POST|PUT|DELETE|PATCH) path "([^"]*)" with json body:$`, s.SendHTTPRequestWithJSONBody)
	})
}

// user returns the scenario user called name, creating it on first use.
func (s *TestScenario) user(name string) *TestUser {
	u := s.Users[name]
	if u == nil {
		u = &TestUser{Name: name, ID: name + "-" + uuid.NewString()[:8], Tier: "pro"}
		s.Users[name] = u
		s.Variables[name] = u.ID
	}
	return u
}

func (s *TestScenario) isAMarketplaceUser(name string) error {
	s.user(name)
	return nil
}

func (s *TestScenario) iAm(name string) error {
	s.user(name)
	s.CurrentUser = name
	return nil
}

func (s *TestScenario) iAmOnTier(name, tier string) error {
	s.user(name).Tier = tier
	s.CurrentUser = name
	return nil
}

func (s *TestScenario) iAmAnonymous() error {
	s.CurrentUser = ""
	return nil
}

func (s *TestScenario) sendHTTPRequest(method, path string) error {
	return s.SendHTTPRequestWithJSONBody(method, path, nil)
}

func (s *TestScenario) SendHTTPRequestWithJSONBody(method, path string, jsonTxt *godog.DocString) (err error) {
	defer func() {
		switch t := recover().(type) {
		case string:
			err = errors.New(t)
		case error:
			err = t
		}
	}()

	session := s.Session()

	body := &bytes.Buffer{}
	if jsonTxt != nil {
		expanded, err := s.Expand(jsonTxt.Content)
		if err != nil {
			return err
		}
		body.WriteString(expanded)
	}

	expandedPath, err := s.Expand(path)
	if err != nil {
		return err
	}
	fullURL := s.Suite.APIURL + expandedPath
	if u, err := url.Parse(expandedPath); err == nil && u.Scheme != "" {
		fullURL = expandedPath
	}

	session.Resp = nil
	session.SetRespBytes(nil)

	req, err := http.NewRequestWithContext(context.Background(), method, fullURL, body)
	if err != nil {
		return err
	}

	if u := session.TestUser; u != nil {
		req.Header.Set(headerUserID, u.ID)
		req.Header.Set(headerUserName, u.Name)
		req.Header.Set(headerUserTier, u.Tier)
	}
	if req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := session.Client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	session.Resp = resp
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	session.SetRespBytes(data)
	return nil
}

func isBlank(v string) bool {
	return strings.TrimSpace(v) == ""
}
