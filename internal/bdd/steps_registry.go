package bdd

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/chirino/docstore-registry/internal/cmd/serve"
	"github.com/chirino/docstore-registry/internal/testutil/cucumber"
	"github.com/chirino/docstore-registry/internal/testutil/fakedriver"
	"github.com/cucumber/godog"
)

func init() {
	cucumber.StepModules = append(cucumber.StepModules, func(ctx *godog.ScenarioContext, s *cucumber.TestScenario) {
		r := &registrySteps{s: s}
		ctx.Before(r.reset)
		ctx.Step(`^the registry should hold (\d+) connections?$`, r.theRegistryShouldHold)
		ctx.Step(`^the driver should have been called (\d+) times?$`, r.theDriverShouldHaveBeenCalled)
		ctx.Step(`^the driver should have closed (\d+) handles?$`, r.theDriverShouldHaveClosed)
		ctx.Step(`^"([^"]*)" creates (\d+) connections to "([^"]*)" concurrently$`, r.createsConnectionsConcurrently)
		ctx.Step(`^all (\d+) created connection ids should be distinct$`, r.createdIDsShouldBeDistinct)
	})
}

type registrySteps struct {
	s         *cucumber.TestScenario
	baseCalls int
	baseHands int
	ids       []string
}

func (r *registrySteps) server() *serve.Server {
	srv, _ := r.s.Suite.Extra["server"].(*serve.Server)
	return srv
}

func (r *registrySteps) fake() (*fakedriver.Driver, error) {
	d, ok := r.s.Suite.Extra["driver"].(*fakedriver.Driver)
	if !ok {
		return nil, fmt.Errorf("scenario requires the fake driver")
	}
	return d, nil
}

// reset empties the shared registry and snapshots driver counters so each
// scenario observes only its own effects.
func (r *registrySteps) reset(ctx context.Context, _ *godog.Scenario) (context.Context, error) {
	srv := r.server()
	if srv == nil {
		return ctx, fmt.Errorf("no server in suite")
	}
	for _, info := range srv.Registry.List() {
		_ = srv.Registry.Remove(ctx, info.ID)
	}
	if d, ok := r.s.Suite.Extra["driver"].(*fakedriver.Driver); ok {
		r.baseCalls = d.Calls()
		r.baseHands = closedHandles(d)
	}
	r.ids = nil
	return ctx, nil
}

func closedHandles(d *fakedriver.Driver) int {
	n := 0
	for _, h := range d.Handles() {
		if h.Closed() {
			n++
		}
	}
	return n
}

func (r *registrySteps) theRegistryShouldHold(expected int) error {
	if actual := r.server().Registry.Len(); actual != expected {
		return fmt.Errorf("expected %d registered connections, found %d", expected, actual)
	}
	return nil
}

func (r *registrySteps) theDriverShouldHaveBeenCalled(expected int) error {
	d, err := r.fake()
	if err != nil {
		return err
	}
	if actual := d.Calls() - r.baseCalls; actual != expected {
		return fmt.Errorf("expected %d driver connects, got %d", expected, actual)
	}
	return nil
}

func (r *registrySteps) theDriverShouldHaveClosed(expected int) error {
	d, err := r.fake()
	if err != nil {
		return err
	}
	if actual := closedHandles(d) - r.baseHands; actual != expected {
		return fmt.Errorf("expected %d closed handles, got %d", expected, actual)
	}
	return nil
}

func (r *registrySteps) createsConnectionsConcurrently(user string, n int, url string) error {
	expandedURL, err := r.s.Expand(url)
	if err != nil {
		return err
	}
	body := fmt.Sprintf(`{"url":%q}`, expandedURL)

	ids := make([]string, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ids[i], errs[i] = r.create(user, body)
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	r.ids = ids
	return nil
}

func (r *registrySteps) create(user, body string) (string, error) {
	req, err := http.NewRequest(http.MethodPost, r.s.Suite.APIURL+"/v1/connections", strings.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+user)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()

	var out struct {
		ID string `json:"id"`
	}
	if err := decodeJSON(resp, &out); err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("create returned %d", resp.StatusCode)
	}
	return out.ID, nil
}

func (r *registrySteps) createdIDsShouldBeDistinct(expected int) error {
	if len(r.ids) != expected {
		return fmt.Errorf("expected %d created ids, have %d", expected, len(r.ids))
	}
	seen := map[string]bool{}
	for _, id := range r.ids {
		if seen[id] {
			return fmt.Errorf("duplicate connection id %s", id)
		}
		seen[id] = true
	}
	return nil
}
