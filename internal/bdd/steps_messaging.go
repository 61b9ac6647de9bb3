package bdd

import (
	"fmt"
	"net/http"

	"github.com/cucumber/godog"
	"github.com/plannr/messaging-service/internal/testutil/cucumber"
)

func init() {
	cucumber.StepModules = append(cucumber.StepModules, func(ctx *godog.ScenarioContext, s *cucumber.TestScenario) {
		m := &messagingSteps{s: s}
		ctx.Step(`^"([^"]*)" has a direct conversation with "([^"]*)" stored as \${([^}]*)}$`, m.directConversation)
		ctx.Step(`^"([^"]*)" sends "([^"]*)" to \${([^}]*)}$`, m.sendsTo)
		ctx.Step(`^"([^"]*)" sends "([^"]*)" to \${([^}]*)} stored as \${([^}]*)}$`, m.sendsToStoredAs)
	})
}

type messagingSteps struct {
	s *cucumber.TestScenario
}

func (m *messagingSteps) post(user, path, body string) error {
	return m.s.As(user, func() error {
		if err := m.s.SendHTTPRequestWithJSONBody(http.MethodPost, path, &godog.DocString{Content: body}); err != nil {
			return err
		}
		resp := m.s.Session().Resp
		if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
			return fmt.Errorf("POST %s as %s: status %d: %s", path, user, resp.StatusCode, m.s.Session().RespBytes)
		}
		return nil
	})
}

func (m *messagingSteps) directConversation(customer, supplier, as string) error {
	body := fmt.Sprintf(`{
  "type": "direct",
  "participants": [
    {"userId": %q, "displayName": %q, "role": "customer"},
    {"userId": %q, "displayName": %q, "role": "supplier"}
  ]
}`, m.s.UserID(customer), customer, m.s.UserID(supplier), supplier)
	if err := m.post(customer, "/v1/conversations", body); err != nil {
		return err
	}
	return m.store(customer, ".conversation.id", as)
}

func (m *messagingSteps) sendsTo(sender, content, conv string) error {
	id, err := m.s.ResolveString(conv)
	if err != nil {
		return err
	}
	return m.post(sender, "/v1/conversations/"+id+"/messages", fmt.Sprintf(`{"content": %q}`, content))
}

func (m *messagingSteps) sendsToStoredAs(sender, content, conv, as string) error {
	if err := m.sendsTo(sender, content, conv); err != nil {
		return err
	}
	return m.store(sender, ".id", as)
}

func (m *messagingSteps) store(user, selector, as string) error {
	return m.s.As(user, func() error {
		return m.s.StoreSelection(selector, as)
	})
}
