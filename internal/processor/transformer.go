package processor

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/dop251/goja"
	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"sqlite-cdc/internal/config"
	"sqlite-cdc/internal/models"
)

// ErrEventRejected is returned when a JavaScript transform function rejects an event
// by returning null or undefined
var ErrEventRejected = errors.New("event rejected by transformer")

// Transformer transforms change events based on configuration rules
type Transformer struct {
	config   *config.ProcessorConfig
	logger   *logrus.Logger
	rules    []*RuleMatcher
	program  *goja.Program // Compiled script, run in a fresh runtime per event
	natsConn *nats.Conn    // NATS connection for JavaScript bindings
}

// RuleMatcher matches and applies transformation rules
type RuleMatcher struct {
	database  string
	table     string
	include   map[string]bool
	exclude   map[string]bool
	rename    map[string]string
	addFields map[string]string
}

// NewTransformer creates a new transformer with the given configuration.
// natsConn may be nil, in which case scripts have no "nats" binding.
func NewTransformer(cfg *config.ProcessorConfig, logger *logrus.Logger, natsConn *nats.Conn) (*Transformer, error) {
	t := &Transformer{
		config:   cfg,
		logger:   logger,
		natsConn: natsConn,
	}
	if cfg == nil || !cfg.Enabled {
		return t, nil
	}

	if cfg.Script != "" {
		src, err := os.ReadFile(cfg.Script)
		if err != nil {
			return nil, fmt.Errorf("failed to read JavaScript script file: %w", err)
		}
		if t.program, err = compileScript(cfg.Script, string(src)); err != nil {
			return nil, fmt.Errorf("invalid JavaScript script: %w", err)
		}
		logger.Infof("Loaded JavaScript transformation script: %s", cfg.Script)
	}

	for _, rule := range cfg.Rules {
		m := &RuleMatcher{
			database:  rule.Database,
			table:     rule.Table,
			include:   make(map[string]bool),
			exclude:   make(map[string]bool),
			rename:    make(map[string]string),
			addFields: rule.AddFields,
		}
		for _, field := range rule.Include {
			m.include[strings.ToLower(field)] = true
		}
		for _, field := range rule.Exclude {
			m.exclude[strings.ToLower(field)] = true
		}
		for from, to := range rule.Rename {
			m.rename[strings.ToLower(from)] = to
		}
		t.rules = append(t.rules, m)
	}

	return t, nil
}

// compileScript compiles the script and checks that it yields a transform
// function, either as its completion value or as a global named "transform".
func compileScript(name, src string) (*goja.Program, error) {
	program, err := goja.Compile(name, src, false)
	if err != nil {
		return nil, fmt.Errorf("failed to compile script: %w", err)
	}
	vm := goja.New()
	result, err := vm.RunProgram(program)
	if err != nil {
		return nil, fmt.Errorf("failed to execute script: %w", err)
	}
	if _, ok := transformFunc(vm, result); !ok {
		return nil, errors.New("script must export a function (either anonymous function or named 'transform' function)")
	}
	return program, nil
}

func transformFunc(vm *goja.Runtime, result goja.Value) (goja.Callable, bool) {
	if result != nil && !goja.IsUndefined(result) && !goja.IsNull(result) {
		if fn, ok := goja.AssertFunction(result); ok {
			return fn, true
		}
	}
	if v := vm.Get("transform"); v != nil && !goja.IsUndefined(v) && !goja.IsNull(v) {
		return goja.AssertFunction(v)
	}
	return nil, false
}

// Transform applies transformation rules to a change event
func (t *Transformer) Transform(event *models.ChangeEvent) (*models.ChangeEvent, error) {
	if t.config == nil || !t.config.Enabled {
		return event, nil
	}
	// Scripts take precedence over YAML rules
	if t.program != nil {
		return t.transformWithJavaScript(event)
	}
	if len(t.rules) > 0 {
		return t.transformWithRules(event), nil
	}
	return event, nil
}

func (t *Transformer) transformWithJavaScript(event *models.ChangeEvent) (*models.ChangeEvent, error) {
	eventJSON, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event to JSON: %w", err)
	}

	// goja.Runtime is not goroutine safe, so each event gets its own.
	vm := goja.New()
	if err := t.setupConsoleBindings(vm); err != nil {
		return nil, fmt.Errorf("failed to setup console bindings: %w", err)
	}
	if t.natsConn != nil {
		if err := t.setupNATSBindings(vm); err != nil {
			return nil, fmt.Errorf("failed to setup NATS bindings: %w", err)
		}
	}

	result, err := vm.RunProgram(t.program)
	if err != nil {
		return nil, fmt.Errorf("failed to execute JavaScript script: %w", err)
	}
	fn, ok := transformFunc(vm, result)
	if !ok {
		return nil, errors.New("script did not yield a transform function")
	}

	jsonObj := vm.Get("JSON").ToObject(vm)
	parse, _ := goja.AssertFunction(jsonObj.Get("parse"))
	arg, err := parse(jsonObj, vm.ToValue(string(eventJSON)))
	if err != nil {
		return nil, fmt.Errorf("failed to parse event JSON: %w", err)
	}

	out, err := fn(goja.Undefined(), arg)
	if err != nil {
		return nil, fmt.Errorf("JavaScript transform function error: %w", err)
	}
	if out == nil || goja.IsUndefined(out) || goja.IsNull(out) {
		t.logger.Debugf("Event rejected by JavaScript transformer: %s.%s (type: %s)", event.Database, event.Table, event.Type)
		return nil, ErrEventRejected
	}

	raw, err := json.Marshal(out.Export())
	if err != nil {
		return nil, fmt.Errorf("failed to marshal result: %w", err)
	}

	// Known fields populate the struct; RawJSON keeps anything the script added.
	var transformed models.ChangeEvent
	if err := json.Unmarshal(raw, &transformed); err != nil {
		return nil, fmt.Errorf("failed to unmarshal result: %w", err)
	}
	transformed.RawJSON = raw
	return &transformed, nil
}

func (t *Transformer) transformWithRules(event *models.ChangeEvent) *models.ChangeEvent {
	var rule *RuleMatcher
	for _, r := range t.rules {
		if r.matches(event.Database, event.Table) {
			rule = r
			break
		}
	}
	if rule == nil {
		return event
	}

	transformed := *event
	transformed.Row = rule.apply(event.Row)
	transformed.OldRow = rule.apply(event.OldRow)
	return &transformed
}

// apply returns a copy of row with the rule's field selection, renames and
// static fields applied.
func (r *RuleMatcher) apply(row map[string]interface{}) map[string]interface{} {
	if row == nil {
		return nil
	}
	out := make(map[string]interface{}, len(row)+len(r.addFields))
	for k, v := range r.addFields {
		out[k] = v
	}
	for k, v := range row {
		lk := strings.ToLower(k)
		if r.exclude[lk] {
			continue
		}
		if len(r.include) > 0 && !r.include[lk] {
			continue
		}
		if to, ok := r.rename[lk]; ok {
			k = to
		}
		out[k] = v
	}
	return out
}

// matches checks if a rule matches the given database and table. Empty
// matches all.
func (r *RuleMatcher) matches(database, table string) bool {
	if r.database != "" && !strings.EqualFold(r.database, database) {
		return false
	}
	return r.table == "" || strings.EqualFold(r.table, table)
}

func (t *Transformer) setupConsoleBindings(vm *goja.Runtime) error {
	console := vm.NewObject()

	bind := func(name string, log func(args ...interface{})) error {
		return console.Set(name, func(call goja.FunctionCall) goja.Value {
			args := make([]interface{}, len(call.Arguments))
			for i, a := range call.Arguments {
				args[i] = a.Export()
			}
			log(fmt.Sprint(args...))
			return goja.Undefined()
		})
	}

	for name, fn := range map[string]func(args ...interface{}){
		"log":   t.logger.Info,
		"info":  t.logger.Info,
		"warn":  t.logger.Warn,
		"error": t.logger.Error,
		"debug": t.logger.Debug,
	} {
		if err := bind(name, fn); err != nil {
			return fmt.Errorf("failed to set console.%s: %w", name, err)
		}
	}
	return vm.Set("console", console)
}

// scriptBytes converts a script value into a message payload.
func scriptBytes(vm *goja.Runtime, what string, v goja.Value) []byte {
	if goja.IsUndefined(v) || goja.IsNull(v) {
		panic(vm.NewTypeError("%s is required", what))
	}
	switch x := v.Export().(type) {
	case string:
		return []byte(x)
	case []byte:
		return x
	default:
		b, err := json.Marshal(x)
		if err != nil {
			panic(vm.NewTypeError("failed to marshal %s: %v", what, err))
		}
		return b
	}
}

// setupNATSBindings exposes nats.publish(subject, data) and
// nats.kv.get/put/delete(bucket, key[, value]) to scripts.
func (t *Transformer) setupNATSBindings(vm *goja.Runtime) error {
	natsObj, kvObj := vm.NewObject(), vm.NewObject()

	keyValue := func(bucket string) nats.KeyValue {
		js, err := t.natsConn.JetStream()
		if err != nil {
			panic(vm.NewGoError(fmt.Errorf("failed to get JetStream context: %w", err)))
		}
		kv, err := js.KeyValue(bucket)
		if err != nil {
			panic(vm.NewGoError(fmt.Errorf("failed to get KV store '%s': %w", bucket, err)))
		}
		return kv
	}
	bucketKey := func(call goja.FunctionCall, fn string) (string, string) {
		bucket, key := call.Argument(0).String(), call.Argument(1).String()
		if bucket == "" || key == "" {
			panic(vm.NewTypeError("nats.kv.%s: bucket and key are required", fn))
		}
		return bucket, key
	}

	bindings := []struct {
		obj  *goja.Object
		name string
		fn   func(goja.FunctionCall) goja.Value
	}{
		{natsObj, "publish", func(call goja.FunctionCall) goja.Value {
			subject := call.Argument(0).String()
			if subject == "" {
				panic(vm.NewTypeError("nats.publish: subject is required"))
			}
			if err := t.natsConn.Publish(subject, scriptBytes(vm, "nats.publish: data", call.Argument(1))); err != nil {
				panic(vm.NewGoError(err))
			}
			return goja.Undefined()
		}},
		{kvObj, "get", func(call goja.FunctionCall) goja.Value {
			bucket, key := bucketKey(call, "get")
			entry, err := keyValue(bucket).Get(key)
			if errors.Is(err, nats.ErrKeyNotFound) {
				return goja.Null()
			} else if err != nil {
				panic(vm.NewGoError(err))
			}
			return vm.ToValue(string(entry.Value()))
		}},
		{kvObj, "put", func(call goja.FunctionCall) goja.Value {
			bucket, key := bucketKey(call, "put")
			if _, err := keyValue(bucket).Put(key, scriptBytes(vm, "nats.kv.put: value", call.Argument(2))); err != nil {
				panic(vm.NewGoError(err))
			}
			return goja.Undefined()
		}},
		{kvObj, "delete", func(call goja.FunctionCall) goja.Value {
			bucket, key := bucketKey(call, "delete")
			if err := keyValue(bucket).Delete(key); err != nil {
				panic(vm.NewGoError(err))
			}
			return goja.Undefined()
		}},
	}
	for _, b := range bindings {
		if err := b.obj.Set(b.name, b.fn); err != nil {
			return fmt.Errorf("failed to set %s binding: %w", b.name, err)
		}
	}
	if err := natsObj.Set("kv", kvObj); err != nil {
		return fmt.Errorf("failed to set KV object: %w", err)
	}
	return vm.Set("nats", natsObj)
}

// ValidateRules validates processor configuration rules
func ValidateRules(cfg *config.ProcessorConfig) error {
	if cfg == nil || !cfg.Enabled {
		return nil
	}
	if cfg.Script != "" {
		if _, err := os.Stat(cfg.Script); os.IsNotExist(err) {
			return fmt.Errorf("JavaScript script file not found: %s", cfg.Script)
		}
		if len(cfg.Rules) > 0 {
			return errors.New("cannot specify both 'script' and 'rules'")
		}
	}

	for i, rule := range cfg.Rules {
		if len(rule.Include) > 0 && len(rule.Exclude) > 0 {
			return fmt.Errorf("processor rule %d: cannot specify both 'include' and 'exclude' fields", i)
		}
		if len(rule.Include) == 0 {
			continue
		}
		for from := range rule.Rename {
			var found bool
			for _, inc := range rule.Include {
				found = found || strings.EqualFold(inc, from)
			}
			if !found {
				return fmt.Errorf("processor rule %d: rename key '%s' not found in include list", i, from)
			}
		}
	}
	return nil
}
