package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/wardenhq/warden/pkg/instance"
	"github.com/wardenhq/warden/pkg/macro"
	"github.com/wardenhq/warden/pkg/notify"
	"github.com/wardenhq/warden/pkg/policy"
	"github.com/wardenhq/warden/pkg/tasks"
)

type harness struct {
	engine     *Engine
	supervisor *instance.LocalSupervisor
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()

	sup := instance.NewLocalSupervisor(zerolog.Nop())
	bridge := macro.NewBridge("test", sup, macro.Options{
		Timeout:           5 * time.Second,
		CancelGracePeriod: 500 * time.Millisecond,
	}, zerolog.Nop())

	policies, err := policy.NewEngine(zerolog.Nop())
	if err != nil {
		t.Fatalf("policy.NewEngine failed: %v", err)
	}

	eng, err := New(opts, Deps{
		Supervisor: sup,
		Bridge:     bridge,
		Policies:   policies,
		Logger:     zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(eng.Close)

	return &harness{engine: eng, supervisor: sup}
}

func macroKind(name, source string, caps []string, args ...string) tasks.Kind {
	return tasks.Kind{
		Type:  tasks.KindMacro,
		Macro: &tasks.MacroKind{Name: name, Source: source, Capabilities: caps, Args: args},
	}
}

// awaitState polls until the task reaches a terminal state.
func awaitState(t *testing.T, e *Engine, id tasks.ID, want tasks.State) tasks.Task {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		task, err := e.GetTask(id)
		if err != nil {
			t.Fatalf("GetTask failed: %v", err)
		}
		if task.State == want {
			return task
		}
		if task.State.IsTerminal() {
			t.Fatalf("task settled in %s (reason %q), wanted %s", task.State, task.FailureReason, want)
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("task never reached %s", want)
	return tasks.Task{}
}

// drainUntilDone reads notifications for one id until its done arrives.
func drainUntilDone(t *testing.T, sub *notify.Subscription, id string) []notify.Notification {
	t.Helper()
	var out []notify.Notification
	deadline := time.After(5 * time.Second)
	for {
		select {
		case n, ok := <-sub.C():
			if !ok {
				t.Fatal("subscription closed early")
			}
			if n.ID != id {
				continue
			}
			out = append(out, n)
			if n.State == notify.StateDone {
				return out
			}
		case <-deadline:
			t.Fatalf("no done notification for %s after %d others", id, len(out))
		}
	}
}

func TestCreateInstanceLifecycle(t *testing.T) {
	h := newHarness(t, Options{})
	sub := h.engine.Subscribe()
	defer sub.Close()

	id, err := h.engine.SubmitTask(context.Background(), NewCreateInstanceKind(instance.CreateParams{
		Name:     "survival",
		Port:     25565,
		Flavour:  instance.FlavourVanilla,
		GameType: "minecraft",
	}), "")
	if err != nil {
		t.Fatalf("SubmitTask failed: %v", err)
	}

	task := awaitState(t, h.engine, id, tasks.StateDone)
	if task.OwningInstance == "" {
		t.Fatal("creation task never bound to its instance")
	}

	got, err := h.supervisor.Lookup(context.Background(), task.OwningInstance)
	if err != nil {
		t.Fatalf("created instance not found: %v", err)
	}
	if got.Name != "survival" || got.Port != 25565 {
		t.Fatalf("unexpected instance: %+v", got)
	}

	seen := drainUntilDone(t, sub, id.String())

	// At least the acceptance, the staged progress and the terminal event.
	if len(seen) < 3 {
		t.Fatalf("expected full progression, got %d notifications", len(seen))
	}

	final := seen[len(seen)-1]
	if final.Level != notify.LevelInfo {
		t.Fatalf("terminal level %s", final.Level)
	}
	if final.StartValue.Kind != notify.StartInstanceCreation {
		t.Fatalf("terminal start kind %s", final.StartValue.Kind)
	}
	ic := final.StartValue.InstanceCreation
	if ic == nil || ic.InstanceUUID != task.OwningInstance || ic.InstanceName != "survival" || ic.Port != 25565 {
		t.Fatalf("terminal identity incomplete: %+v", ic)
	}

	doneCount := 0
	var lastProgress uint64
	for _, n := range seen {
		if n.State == notify.StateDone {
			doneCount++
			continue
		}
		if n.Total != 0 {
			if n.Progress < lastProgress {
				t.Fatalf("progress went backwards: %d after %d", n.Progress, lastProgress)
			}
			lastProgress = n.Progress
		}
	}
	if doneCount != 1 {
		t.Fatalf("expected exactly one terminal notification, got %d", doneCount)
	}
}

func TestCreateInstanceValidation(t *testing.T) {
	h := newHarness(t, Options{})

	id, err := h.engine.SubmitTask(context.Background(), NewCreateInstanceKind(instance.CreateParams{
		Name:     "bad",
		Port:     25565,
		Flavour:  "forge",
		GameType: "minecraft",
	}), "")
	if err != nil {
		t.Fatalf("SubmitTask failed: %v", err)
	}

	task := awaitState(t, h.engine, id, tasks.StateFailed)
	if task.FailureReason == "" {
		t.Fatal("failed task carries no reason")
	}
}

func TestControlOperations(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Options{})

	inst, err := h.supervisor.Create(ctx, instance.CreateParams{
		Name: "survival", Port: 25565, Flavour: instance.FlavourVanilla, GameType: "minecraft",
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	startID, err := h.engine.SubmitTask(ctx, NewStartInstanceKind(), inst.UUID)
	if err != nil {
		t.Fatalf("SubmitTask failed: %v", err)
	}
	awaitState(t, h.engine, startID, tasks.StateDone)

	cmdID, err := h.engine.SubmitTask(ctx, NewSendCommandKind("save-all"), inst.UUID)
	if err != nil {
		t.Fatalf("SubmitTask failed: %v", err)
	}
	awaitState(t, h.engine, cmdID, tasks.StateDone)

	if sent := h.supervisor.SentCommands(inst.UUID); len(sent) != 1 || sent[0] != "save-all" {
		t.Fatalf("unexpected commands: %v", sent)
	}

	stopID, err := h.engine.SubmitTask(ctx, NewStopInstanceKind(), inst.UUID)
	if err != nil {
		t.Fatalf("SubmitTask failed: %v", err)
	}
	awaitState(t, h.engine, stopID, tasks.StateDone)

	removeID, err := h.engine.SubmitTask(ctx, NewRemoveInstanceKind(), inst.UUID)
	if err != nil {
		t.Fatalf("SubmitTask failed: %v", err)
	}
	awaitState(t, h.engine, removeID, tasks.StateDone)

	if _, err := h.supervisor.Lookup(ctx, inst.UUID); !errors.Is(err, instance.ErrNotFound) {
		t.Fatalf("instance still present: %v", err)
	}
}

func TestSubmitForUnknownInstance(t *testing.T) {
	h := newHarness(t, Options{})

	_, err := h.engine.SubmitTask(context.Background(), NewStartInstanceKind(), "missing")
	if !HasClass(err, ErrorClassNotFound) {
		t.Fatalf("expected not_found error, got %v", err)
	}
}

func TestMacroTaskEndToEnd(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Options{})

	inst, err := h.supervisor.Create(ctx, instance.CreateParams{
		Name: "survival", Port: 25565, Flavour: instance.FlavourVanilla, GameType: "minecraft",
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := h.supervisor.Start(ctx, inst.UUID); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	sub := h.engine.Subscribe()
	defer sub.Close()

	source := `
report_progress(completed = 1, total = 2)
send_command(line = "say " + args[0])
report_progress(completed = 2, total = 2)
`
	id, err := h.engine.SubmitTask(ctx, macroKind("announce", source,
		[]string{macro.CapabilityInstanceControl}, "hello"), inst.UUID)
	if err != nil {
		t.Fatalf("SubmitTask failed: %v", err)
	}

	awaitState(t, h.engine, id, tasks.StateDone)

	if sent := h.supervisor.SentCommands(inst.UUID); len(sent) != 1 || sent[0] != "say hello" {
		t.Fatalf("unexpected commands: %v", sent)
	}

	seen := drainUntilDone(t, sub, id.String())
	final := seen[len(seen)-1]
	if final.StartValue.Kind != notify.StartMacroRun {
		t.Fatalf("unexpected start kind %s", final.StartValue.Kind)
	}
	if final.StartValue.MacroRun.MacroName != "announce" {
		t.Fatalf("unexpected macro name %s", final.StartValue.MacroRun.MacroName)
	}
}

func TestMacroFaultFailsTask(t *testing.T) {
	h := newHarness(t, Options{})
	sub := h.engine.Subscribe()
	defer sub.Close()

	id, err := h.engine.SubmitTask(context.Background(),
		macroKind("broken", `fail("deliberate")`, nil), "")
	if err != nil {
		t.Fatalf("SubmitTask failed: %v", err)
	}

	awaitState(t, h.engine, id, tasks.StateFailed)

	seen := drainUntilDone(t, sub, id.String())
	final := seen[len(seen)-1]
	if final.Level != notify.LevelError {
		t.Fatalf("fault reported at level %s", final.Level)
	}
}

func TestMacroPolicyDenial(t *testing.T) {
	h := newHarness(t, Options{})

	// instance_control without a bound instance is denied before execution.
	_, err := h.engine.SubmitTask(context.Background(),
		macroKind("restart", `start_instance()`, []string{macro.CapabilityInstanceControl}), "")
	if !HasClass(err, ErrorClassRejected) {
		t.Fatalf("expected rejected error, got %v", err)
	}

	// Unknown capabilities are denied too.
	_, err = h.engine.SubmitTask(context.Background(),
		macroKind("sneaky", `pass`, []string{"filesystem_write"}), "")
	if !HasClass(err, ErrorClassRejected) {
		t.Fatalf("expected rejected error, got %v", err)
	}
}

func TestCancelRunningMacro(t *testing.T) {
	h := newHarness(t, Options{})
	sub := h.engine.Subscribe()
	defer sub.Close()

	id, err := h.engine.SubmitTask(context.Background(), macroKind("spin", `
while True:
    delay_ms(millis = 10)
`, nil), "")
	if err != nil {
		t.Fatalf("SubmitTask failed: %v", err)
	}

	awaitState(t, h.engine, id, tasks.StateRunning)

	if !h.engine.Cancel(id) {
		t.Fatal("cancel of running task reported no effect")
	}
	if h.engine.Cancel(id) {
		t.Fatal("second cancel reported effect")
	}

	task := awaitState(t, h.engine, id, tasks.StateFailed)
	if task.FailureReason != "cancelled" {
		t.Fatalf("unexpected failure reason %q", task.FailureReason)
	}

	seen := drainUntilDone(t, sub, id.String())
	final := seen[len(seen)-1]
	if final.Level != notify.LevelWarning {
		t.Fatalf("cancellation reported at level %s", final.Level)
	}
}

func TestCancelUnknownOrTerminal(t *testing.T) {
	h := newHarness(t, Options{})

	if h.engine.Cancel(tasks.ID(404)) {
		t.Fatal("cancel of unknown task reported effect")
	}

	id, err := h.engine.SubmitTask(context.Background(), macroKind("quick", `pass`, nil), "")
	if err != nil {
		t.Fatalf("SubmitTask failed: %v", err)
	}
	awaitState(t, h.engine, id, tasks.StateDone)

	if h.engine.Cancel(id) {
		t.Fatal("cancel of terminal task reported effect")
	}
}

func TestSubmitRespectsLiveLimit(t *testing.T) {
	h := newHarness(t, Options{MaxLiveTasks: 1})

	blocker, err := h.engine.SubmitTask(context.Background(), macroKind("hold", `
while True:
    delay_ms(millis = 10)
`, nil), "")
	if err != nil {
		t.Fatalf("SubmitTask failed: %v", err)
	}
	awaitState(t, h.engine, blocker, tasks.StateRunning)

	_, err = h.engine.SubmitTask(context.Background(), macroKind("extra", `pass`, nil), "")
	if !HasClass(err, ErrorClassExhausted) {
		t.Fatalf("expected exhausted error, got %v", err)
	}

	h.engine.Cancel(blocker)
}

func TestRetentionSweepEvicts(t *testing.T) {
	h := newHarness(t, Options{
		RetentionWindow: 50 * time.Millisecond,
		SweepInterval:   time.Second,
	})

	id, err := h.engine.SubmitTask(context.Background(), macroKind("quick", `pass`, nil), "")
	if err != nil {
		t.Fatalf("SubmitTask failed: %v", err)
	}
	awaitState(t, h.engine, id, tasks.StateDone)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := h.engine.GetTask(id); HasClass(err, ErrorClassNotFound) {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("terminal task never evicted")
}

func TestLateSubscriberGetsReplay(t *testing.T) {
	h := newHarness(t, Options{})

	id, err := h.engine.SubmitTask(context.Background(), macroKind("hold", `
report_progress(completed = 1, total = 3)
while True:
    delay_ms(millis = 10)
`, nil), "")
	if err != nil {
		t.Fatalf("SubmitTask failed: %v", err)
	}
	awaitState(t, h.engine, id, tasks.StateRunning)

	// Wait for the first progress report to land on the bus.
	deadline := time.Now().Add(5 * time.Second)
	for {
		task, _ := h.engine.GetTask(id)
		if task.Progress != nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("progress never reported")
		}
		time.Sleep(5 * time.Millisecond)
	}

	sub := h.engine.Subscribe()
	defer sub.Close()

	select {
	case n := <-sub.C():
		if n.ID != id.String() || n.State != notify.StateOngoing {
			t.Fatalf("unexpected replay: %+v", n)
		}
	case <-time.After(time.Second):
		t.Fatal("late subscriber got no replay")
	}

	h.engine.Cancel(id)
}

func TestListTasks(t *testing.T) {
	h := newHarness(t, Options{})

	id, err := h.engine.SubmitTask(context.Background(), macroKind("quick", `pass`, nil), "")
	if err != nil {
		t.Fatalf("SubmitTask failed: %v", err)
	}
	awaitState(t, h.engine, id, tasks.StateDone)

	list := h.engine.ListTasks()
	if len(list) != 1 || list[0].ID != id {
		t.Fatalf("unexpected task list: %+v", list)
	}
}
