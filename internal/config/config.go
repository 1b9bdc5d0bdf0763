// Package config loads board profiles for the simulator: controller
// settings, the SysTick timer, handler bindings, host signal routing and a
// script of steps to run.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tinyrange/nvic/internal/exception"
	"github.com/tinyrange/nvic/internal/irq"
)

const (
	DefaultSysTickPeriod = time.Millisecond
	// 72 MHz core clock divided down to a 1 kHz tick.
	DefaultSysTickReload = 72_000 - 1
)

// Profile describes one simulated board.
type Profile struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description,omitempty"`

	Controller ControllerConfig `yaml:"controller"`
	SysTick    SysTickConfig    `yaml:"systick"`
	Bindings   []Binding        `yaml:"bindings,omitempty"`
	// Signals routes host signal names (SIGUSR1, SIGUSR2, SIGHUP) to the
	// exception they pend.
	Signals map[string]Vector `yaml:"signals,omitempty"`
	Script  []Step            `yaml:"script,omitempty"`
}

type ControllerConfig struct {
	Resources int  `yaml:"resources,omitempty"`
	Checked   bool `yaml:"checked,omitempty"`
}

type SysTickConfig struct {
	// Enable starts the counter (SYST_CSR.ENABLE).
	Enable bool     `yaml:"enable,omitempty"`
	Period Duration `yaml:"period,omitempty"`
	Reload uint32   `yaml:"reload,omitempty"`
}

// Binding attaches a counting handler to an exception at startup.
type Binding struct {
	Name      string `yaml:"name,omitempty"`
	Exception Vector `yaml:"exception"`
	Enable    bool   `yaml:"enable,omitempty"`
}

// Op is a script step kind.
type Op string

const (
	OpRaise   Op = "raise"
	OpPend    Op = "pend"
	OpJump    Op = "jump"
	OpEnable  Op = "enable"
	OpDisable Op = "disable"
	OpRelease Op = "release"
	OpBind    Op = "bind"
	OpPoke    Op = "poke"
	OpPeek    Op = "peek"
	OpTick    Op = "tick"
)

var ops = map[Op]bool{
	OpRaise: true, OpPend: true, OpJump: true, OpEnable: true, OpDisable: true,
	OpRelease: true, OpBind: true, OpPoke: true, OpPeek: true, OpTick: true,
}

// Step is one scripted action. Exception is used by every op except poke,
// peek and tick; Addr and Value by poke and peek; Count by raise and tick.
type Step struct {
	Op        Op     `yaml:"op"`
	Exception Vector `yaml:"exception,omitempty"`
	Addr      uint32 `yaml:"addr,omitempty"`
	Value     uint32 `yaml:"value,omitempty"`
	Count     int    `yaml:"count,omitempty"`
}

func (p *Profile) normalize() {
	if p.Name == "" {
		p.Name = "stm32f103"
	}
	if p.Controller.Resources == 0 {
		p.Controller.Resources = irq.DefaultResources
	}
	if p.SysTick.Period == 0 {
		p.SysTick.Period = Duration(DefaultSysTickPeriod)
	}
	if p.SysTick.Reload == 0 {
		p.SysTick.Reload = DefaultSysTickReload
	}
	for i := range p.Bindings {
		if p.Bindings[i].Name == "" {
			p.Bindings[i].Name = p.Bindings[i].Exception.Number().String()
		}
	}
	for i := range p.Script {
		p.Script[i].Op = Op(strings.ToLower(string(p.Script[i].Op)))
		if p.Script[i].Count == 0 {
			p.Script[i].Count = 1
		}
	}
}

// Validate reports the first structural problem in the profile. Exception
// numbers are not checked here: binding an invalid number is a runtime
// error the controller reports.
func (p *Profile) Validate() error {
	if p.Controller.Resources < 0 {
		return fmt.Errorf("config: controller.resources must be positive, got %d", p.Controller.Resources)
	}
	if p.SysTick.Reload > 0xff_ffff {
		return fmt.Errorf("config: systick.reload 0x%x exceeds 24 bits", p.SysTick.Reload)
	}
	if p.SysTick.Period < 0 {
		return fmt.Errorf("config: systick.period must not be negative")
	}
	for sig := range p.Signals {
		if !KnownSignal(sig) {
			return fmt.Errorf("config: unsupported signal %q", sig)
		}
	}
	for i, s := range p.Script {
		if !ops[s.Op] {
			return fmt.Errorf("config: script step %d: unknown op %q", i, s.Op)
		}
		if s.Count < 0 {
			return fmt.Errorf("config: script step %d: negative count", i)
		}
		if (s.Op == OpPoke || s.Op == OpPeek) && s.Addr&0x3 != 0 {
			return fmt.Errorf("config: script step %d: unaligned address 0x%08x", i, s.Addr)
		}
	}
	return nil
}

// KnownSignal reports whether name is a host signal profiles may route.
func KnownSignal(name string) bool {
	switch name {
	case "SIGUSR1", "SIGUSR2", "SIGHUP":
		return true
	}
	return false
}

// Default returns the profile used when no file is given.
func Default() *Profile {
	p := &Profile{}
	p.normalize()
	return p
}

// Parse decodes a profile from YAML and applies defaults.
func Parse(data []byte) (*Profile, error) {
	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("config: parse profile: %w", err)
	}
	p.normalize()
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Load reads a profile from path.
func Load(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	p, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return p, nil
}

// Write stores p as YAML at path.
func Write(path string, p *Profile) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("config: create %s: %w", path, err)
	}
	defer f.Close()

	enc := yaml.NewEncoder(f)
	enc.SetIndent(2)
	if err := enc.Encode(p); err != nil {
		return fmt.Errorf("config: encode %s: %w", path, err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("config: close %s: %w", path, err)
	}
	return nil
}

// Duration wraps time.Duration for YAML unmarshaling.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	if s == "" {
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler for Duration.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Duration returns the time.Duration value.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// Vector is an exception number written in YAML as a vector name or a
// number.
type Vector exception.Number

// UnmarshalYAML implements yaml.Unmarshaler for Vector.
func (v *Vector) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: exception must be a name or number", value.Line)
	}
	n, err := exception.Parse(value.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*v = Vector(n)
	return nil
}

// MarshalYAML implements yaml.Marshaler for Vector. Valid numbers are
// written by name.
func (v Vector) MarshalYAML() (any, error) {
	n := exception.Number(v)
	if exception.Valid(n) {
		return n.String(), nil
	}
	return int32(n), nil
}

// Number returns the exception number.
func (v Vector) Number() exception.Number { return exception.Number(v) }
