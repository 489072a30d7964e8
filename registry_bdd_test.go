package modhost

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/cucumber/godog"
)

// Static error variables for BDD tests
var (
	errExpectedFailure   = errors.New("expected an error but got none")
	errUnexpectedOrder   = errors.New("unexpected order")
	errHooksRan          = errors.New("init hooks ran")
	errModuleMissing     = errors.New("module is not registered")
	errModuleStillActive = errors.New("module is still active")
	errUnexpectedEvents  = errors.New("unexpected events")
	errUnexpectedCount   = errors.New("unexpected module count")
)

// registryBDDContext holds the state of one scenario.
type registryBDDContext struct {
	registry *Registry
	log      *initLog
	events   *eventRecorder
	lastErr  error
	sorted   []string
}

func (c *registryBDDContext) iHaveANewModuleRegistry() error {
	c.registry = NewRegistry()
	c.log = &initLog{}
	c.events = recordEvents(c.registry.Events())
	c.lastErr = nil
	c.sorted = nil
	return nil
}

func (c *registryBDDContext) register(id string, deps []string) error {
	return c.registry.Register(context.Background(), ModuleConfig{ID: id, Dependencies: deps}, &testComponent{name: id, log: c.log})
}

func (c *registryBDDContext) moduleDependsOn(id, dep string) error {
	return c.register(id, []string{dep})
}

func (c *registryBDDContext) moduleHasNoDependencies(id string) error {
	return c.register(id, nil)
}

func (c *registryBDDContext) iInitializeModule(id string) error {
	c.lastErr = c.registry.Initialize(context.Background(), id, InitContext{})
	return nil
}

func (c *registryBDDContext) iRegisterModuleAgain(id string) error {
	c.lastErr = c.register(id, nil)
	return nil
}

func (c *registryBDDContext) iUnregisterModule(id string) error {
	c.lastErr = c.registry.Unregister(context.Background(), id)
	return nil
}

func (c *registryBDDContext) iLoadModule(id string) error {
	_, err := c.registry.Load(context.Background(), id)
	return err
}

func (c *registryBDDContext) iUnloadModule(id string) error {
	return c.registry.Unload(context.Background(), id)
}

func (c *registryBDDContext) iSortModules(list string) error {
	c.sorted, c.lastErr = c.registry.Sort(strings.Split(list, ","))
	return c.lastErr
}

func (c *registryBDDContext) theInitializationShouldSucceed() error {
	return c.lastErr
}

func (c *registryBDDContext) expectError(target error) error {
	if c.lastErr == nil {
		return errExpectedFailure
	}
	if !errors.Is(c.lastErr, target) {
		return fmt.Errorf("expected %v, got %w", target, c.lastErr)
	}
	return nil
}

func (c *registryBDDContext) theInitializationShouldFailWithACircularDependencyError() error {
	return c.expectError(ErrCircularDependency)
}

func (c *registryBDDContext) theRegistrationShouldFailWithADuplicateModuleError() error {
	return c.expectError(ErrDuplicateModule)
}

func (c *registryBDDContext) theUnregistrationShouldFailWithADependentModulesError() error {
	return c.expectError(ErrDependentModulesExist)
}

func (c *registryBDDContext) theInitHooksShouldHaveRunInOrder(order string) error {
	got := strings.Join(c.log.list(), ",")
	if got != order {
		return fmt.Errorf("%w: want %s, got %s", errUnexpectedOrder, order, got)
	}
	return nil
}

func (c *registryBDDContext) noInitHookShouldHaveRun() error {
	if calls := c.log.list(); len(calls) > 0 {
		return fmt.Errorf("%w: %v", errHooksRan, calls)
	}
	return nil
}

func (c *registryBDDContext) theRegistryShouldContainModules(n int) error {
	if got := len(c.registry.List()); got != n {
		return fmt.Errorf("%w: want %d, got %d", errUnexpectedCount, n, got)
	}
	return nil
}

func (c *registryBDDContext) moduleShouldStillBeRegistered(id string) error {
	if !c.registry.Has(id) {
		return fmt.Errorf("%w: %s", errModuleMissing, id)
	}
	return nil
}

func (c *registryBDDContext) moduleShouldBeInactive(id string) error {
	inst, ok := c.registry.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", errModuleMissing, id)
	}
	if inst.IsActive {
		return fmt.Errorf("%w: %s", errModuleStillActive, id)
	}
	return nil
}

func (c *registryBDDContext) theEventsForShouldBe(id, list string) error {
	var got []string
	for _, typ := range c.events.types(id) {
		got = append(got, string(typ))
	}
	if strings.Join(got, ",") != list {
		return fmt.Errorf("%w: want %s, got %v", errUnexpectedEvents, list, got)
	}
	return nil
}

func (c *registryBDDContext) theSortedOrderShouldBe(list string) error {
	if got := strings.Join(c.sorted, ","); got != list {
		return fmt.Errorf("%w: want %s, got %s", errUnexpectedOrder, list, got)
	}
	return nil
}

// InitializeRegistryScenario wires the registry lifecycle steps.
func InitializeRegistryScenario(ctx *godog.ScenarioContext) {
	c := &registryBDDContext{}

	ctx.Step(`^I have a new module registry$`, c.iHaveANewModuleRegistry)
	ctx.Step(`^module "([^"]*)" depends on "([^"]*)"$`, c.moduleDependsOn)
	ctx.Step(`^module "([^"]*)" has no dependencies$`, c.moduleHasNoDependencies)

	ctx.Step(`^I initialize module "([^"]*)"$`, c.iInitializeModule)
	ctx.Step(`^I register module "([^"]*)" again$`, c.iRegisterModuleAgain)
	ctx.Step(`^I unregister module "([^"]*)"$`, c.iUnregisterModule)
	ctx.Step(`^I load module "([^"]*)"$`, c.iLoadModule)
	ctx.Step(`^I unload module "([^"]*)"$`, c.iUnloadModule)
	ctx.Step(`^I sort modules "([^"]*)"$`, c.iSortModules)

	ctx.Step(`^the initialization should succeed$`, c.theInitializationShouldSucceed)
	ctx.Step(`^the initialization should fail with a circular dependency error$`, c.theInitializationShouldFailWithACircularDependencyError)
	ctx.Step(`^the registration should fail with a duplicate module error$`, c.theRegistrationShouldFailWithADuplicateModuleError)
	ctx.Step(`^the unregistration should fail with a dependent modules error$`, c.theUnregistrationShouldFailWithADependentModulesError)
	ctx.Step(`^the init hooks should have run in order "([^"]*)"$`, c.theInitHooksShouldHaveRunInOrder)
	ctx.Step(`^no init hook should have run$`, c.noInitHookShouldHaveRun)
	ctx.Step(`^the registry should contain (\d+) modules?$`, c.theRegistryShouldContainModules)
	ctx.Step(`^module "([^"]*)" should still be registered$`, c.moduleShouldStillBeRegistered)
	ctx.Step(`^module "([^"]*)" should be inactive$`, c.moduleShouldBeInactive)
	ctx.Step(`^the events for "([^"]*)" should be "([^"]*)"$`, c.theEventsForShouldBe)
	ctx.Step(`^the sorted order should be "([^"]*)"$`, c.theSortedOrderShouldBe)
}

func TestRegistryLifecycleBDD(t *testing.T) {
	suite := godog.TestSuite{
		ScenarioInitializer: InitializeRegistryScenario,
		Options: &godog.Options{
			Format:   "pretty",
			Paths:    []string{"features/registry_lifecycle.feature"},
			TestingT: t,
			Strict:   true,
		},
	}

	if suite.Run() != 0 {
		t.Fatal("non-zero status returned, failed to run feature tests")
	}
}
