// Package scenario compiles Lua command scripts into steps and runs them
// against a session.
//
// A script builds a Scenario and returns it:
//
//	local s = Scenario.new("first wave")
//	s:genome("ssrna")
//	s:install("receptor_binding")
//	s:install("lytic_cycle")
//	s:move("lytic_cycle", -1)
//	s:advance(3)
//	s:expect_population("virion", "at_least", 50)
//	s:install("interferon_antagonist")
//	s:expect_error("LOCKED")
//	return s
package scenario

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/Shopify/go-lua"

	"viralsandbox/internal/model"
	"viralsandbox/internal/simerr"
)

const scenarioTypeName = "scenario"

type StepKind string

const (
	StepGenome           StepKind = "genome"
	StepInstall          StepKind = "install"
	StepUninstall        StepKind = "uninstall"
	StepMove             StepKind = "move"
	StepAdvance          StepKind = "advance"
	StepReset            StepKind = "reset"
	StepExpectPopulation StepKind = "expect_population"
	StepExpectMilestone  StepKind = "expect_milestone"
	StepExpectBalance    StepKind = "expect_balance"
	StepExpectRound      StepKind = "expect_round"
	StepExpectStatus     StepKind = "expect_status"
)

// Comparison operators accepted by expect_population.
const (
	OpAtLeast = "at_least"
	OpAtMost  = "at_most"
	OpEqual   = "equal"
)

type Scenario struct {
	Name  string
	Steps []Step
}

// Step is one command or assertion. ExpectError, set by expect_error on the
// preceding command, turns the command into a check that it is rejected
// with that kind.
type Step struct {
	Kind        StepKind
	Gene        string
	Genome      string
	Rounds      int
	Delta       int
	Entity      string
	Op          string
	Value       float64
	Milestone   string
	State       model.MilestoneState
	Status      model.SessionStatus
	ExpectError simerr.Kind
}

func (s Step) command() bool {
	switch s.Kind {
	case StepGenome, StepInstall, StepUninstall, StepMove, StepAdvance, StepReset:
		return true
	default:
		return false
	}
}

func (s Step) String() string {
	var desc string
	switch s.Kind {
	case StepGenome:
		desc = fmt.Sprintf("genome %s", s.Genome)
	case StepInstall, StepUninstall:
		desc = fmt.Sprintf("%s %s", s.Kind, s.Gene)
	case StepMove:
		desc = fmt.Sprintf("move %s %+d", s.Gene, s.Delta)
	case StepAdvance:
		desc = fmt.Sprintf("advance %d", s.Rounds)
	case StepExpectPopulation:
		desc = fmt.Sprintf("expect %s %s %g", s.Entity, s.Op, s.Value)
	case StepExpectMilestone:
		desc = fmt.Sprintf("expect milestone %s %s", s.Milestone, s.State)
	case StepExpectBalance:
		desc = fmt.Sprintf("expect balance %g", s.Value)
	case StepExpectRound:
		desc = fmt.Sprintf("expect round %g", s.Value)
	case StepExpectStatus:
		desc = fmt.Sprintf("expect status %s", s.Status)
	default:
		desc = string(s.Kind)
	}
	if s.ExpectError != "" {
		desc += " rejected with " + string(s.ExpectError)
	}
	return desc
}

// LoadFile compiles the script at path. A scenario without a name is named
// after the file.
func LoadFile(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scenario %s: %w", path, err)
	}
	sc, err := LoadString(string(data))
	if err != nil {
		return nil, fmt.Errorf("load scenario %s: %w", path, err)
	}
	if strings.TrimSpace(sc.Name) == "" {
		sc.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return sc, nil
}

func LoadString(source string) (*Scenario, error) {
	state := lua.NewState()
	lua.OpenLibraries(state)
	registerLuaTypes(state)

	if err := lua.LoadString(state, source); err != nil {
		return nil, fmt.Errorf("load lua: %w", err)
	}
	if err := state.ProtectedCall(0, 1, 0); err != nil {
		return nil, fmt.Errorf("run lua: %w", err)
	}

	if state.TypeOf(-1) != lua.TypeUserData {
		state.Pop(1)
		return nil, fmt.Errorf("scenario script must return Scenario")
	}
	ud := state.ToUserData(-1)
	state.Pop(1)
	sc, ok := ud.(*Scenario)
	if !ok || sc == nil {
		return nil, fmt.Errorf("scenario script returned invalid Scenario")
	}
	return sc, nil
}

func registerLuaTypes(state *lua.State) {
	lua.NewMetaTable(state, scenarioTypeName)
	state.NewTable()
	lua.SetFunctions(state, scenarioMethods, 0)
	state.SetField(-2, "__index")
	state.Pop(1)

	state.NewTable()
	lua.SetFunctions(state, scenarioConstructor, 0)
	state.SetGlobal("Scenario")
}

var scenarioConstructor = []lua.RegistryFunction{
	{Name: "new", Function: scenarioNew},
}

func scenarioNew(state *lua.State) int {
	name := lua.OptString(state, 1, "")
	state.PushUserData(&Scenario{Name: name})
	lua.SetMetaTableNamed(state, scenarioTypeName)
	return 1
}

var scenarioMethods = []lua.RegistryFunction{
	{Name: "genome", Function: scenarioGenome},
	{Name: "install", Function: scenarioInstall},
	{Name: "uninstall", Function: scenarioUninstall},
	{Name: "move", Function: scenarioMove},
	{Name: "advance", Function: scenarioAdvance},
	{Name: "reset", Function: scenarioReset},
	{Name: "expect_error", Function: scenarioExpectError},
	{Name: "expect_population", Function: scenarioExpectPopulation},
	{Name: "expect_milestone", Function: scenarioExpectMilestone},
	{Name: "expect_balance", Function: scenarioExpectBalance},
	{Name: "expect_round", Function: scenarioExpectRound},
	{Name: "expect_status", Function: scenarioExpectStatus},
}

func scenarioGenome(state *lua.State) int {
	sc := checkScenario(state)
	appendStep(sc, Step{Kind: StepGenome, Genome: lua.CheckString(state, 2)})
	return 0
}

func scenarioInstall(state *lua.State) int {
	sc := checkScenario(state)
	appendStep(sc, Step{Kind: StepInstall, Gene: lua.CheckString(state, 2)})
	return 0
}

func scenarioUninstall(state *lua.State) int {
	sc := checkScenario(state)
	appendStep(sc, Step{Kind: StepUninstall, Gene: lua.CheckString(state, 2)})
	return 0
}

func scenarioMove(state *lua.State) int {
	sc := checkScenario(state)
	gene := lua.CheckString(state, 2)
	delta := lua.CheckInteger(state, 3)
	if delta == 0 {
		lua.ArgumentError(state, 3, "delta must not be zero")
	}
	appendStep(sc, Step{Kind: StepMove, Gene: gene, Delta: delta})
	return 0
}

func scenarioAdvance(state *lua.State) int {
	sc := checkScenario(state)
	rounds := lua.OptInteger(state, 2, 1)
	if rounds < 1 {
		lua.ArgumentError(state, 2, "rounds must be at least 1")
	}
	appendStep(sc, Step{Kind: StepAdvance, Rounds: rounds})
	return 0
}

func scenarioReset(state *lua.State) int {
	sc := checkScenario(state)
	appendStep(sc, Step{Kind: StepReset})
	return 0
}

func scenarioExpectError(state *lua.State) int {
	sc := checkScenario(state)
	kind, ok := simerr.ParseKind(lua.CheckString(state, 2))
	if !ok {
		lua.ArgumentError(state, 2, "unknown error kind")
	}
	if len(sc.Steps) == 0 || !sc.Steps[len(sc.Steps)-1].command() {
		lua.Errorf(state, "expect_error must follow a command")
	}
	sc.Steps[len(sc.Steps)-1].ExpectError = kind
	return 0
}

func scenarioExpectPopulation(state *lua.State) int {
	sc := checkScenario(state)
	entity := lua.CheckString(state, 2)
	op := lua.CheckString(state, 3)
	switch op {
	case OpAtLeast, OpAtMost, OpEqual:
	default:
		lua.ArgumentError(state, 3, "operator must be at_least, at_most or equal")
	}
	appendStep(sc, Step{Kind: StepExpectPopulation, Entity: entity, Op: op, Value: lua.CheckNumber(state, 4)})
	return 0
}

func scenarioExpectMilestone(state *lua.State) int {
	sc := checkScenario(state)
	id := lua.CheckString(state, 2)
	st := model.MilestoneState(lua.CheckString(state, 3))
	switch st {
	case model.MilestoneLocked, model.MilestoneEligible, model.MilestoneCompleted:
	default:
		lua.ArgumentError(state, 3, "unknown milestone state")
	}
	appendStep(sc, Step{Kind: StepExpectMilestone, Milestone: id, State: st})
	return 0
}

func scenarioExpectBalance(state *lua.State) int {
	sc := checkScenario(state)
	appendStep(sc, Step{Kind: StepExpectBalance, Value: checkWhole(state, 2)})
	return 0
}

func scenarioExpectRound(state *lua.State) int {
	sc := checkScenario(state)
	appendStep(sc, Step{Kind: StepExpectRound, Value: checkWhole(state, 2)})
	return 0
}

func scenarioExpectStatus(state *lua.State) int {
	sc := checkScenario(state)
	status := model.SessionStatus(lua.CheckString(state, 2))
	switch status {
	case model.StatusActive, model.StatusExtinct, model.StatusVictory, model.StatusExhausted:
	default:
		lua.ArgumentError(state, 2, "unknown session status")
	}
	appendStep(sc, Step{Kind: StepExpectStatus, Status: status})
	return 0
}

func checkScenario(state *lua.State) *Scenario {
	ud := lua.CheckUserData(state, 1, scenarioTypeName)
	if sc, ok := ud.(*Scenario); ok && sc != nil {
		return sc
	}
	lua.ArgumentError(state, 1, "scenario expected")
	return nil
}

func checkWhole(state *lua.State, index int) float64 {
	value := lua.CheckNumber(state, index)
	if math.Mod(value, 1) != 0 {
		lua.ArgumentError(state, index, "whole number expected")
	}
	return value
}

func appendStep(sc *Scenario, step Step) int {
	if sc == nil {
		return -1
	}
	sc.Steps = append(sc.Steps, step)
	return len(sc.Steps) - 1
}
