package config

import (
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Settings are process-level values read once from the environment.
type Settings struct {
	BotToken      string `env:"TG_BOT_TOKEN,required"`
	WebhookSecret string `env:"TG_WEBHOOK_SECRET,required"`
	GCAPIKey      string `env:"GC_API_KEY,required"`
	GCBaseURL     string `env:"GC_BASE_URL,required"`
	DBPath        string `env:"ACCESS_DB_PATH" envDefault:"accessbot.db"`
	Addr          string `env:"ADDR" envDefault:":8080"`
	ConfigPath    string `env:"ACCESS_CONFIG" envDefault:"access.yaml"`
}

func ParseSettings() (Settings, error) {
	var s Settings
	if err := env.Parse(&s); err != nil {
		return s, fmt.Errorf("parse env: %w", err)
	}
	return s, nil
}

// Duration accepts Go duration strings ("2m", "1s") in YAML.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Binding maps one course group to one Telegram chat.
type Binding struct {
	Key        string   `yaml:"key"`
	Label      string   `yaml:"label"`
	ChatID     int64    `yaml:"chat_id"`
	GCGroupIDs []string `yaml:"gc_group_ids"`
}

// Runtime is one immutable snapshot of the reloadable configuration.
// Components never hold onto it; they fetch the current snapshot per use.
type Runtime struct {
	Timezone       string            `yaml:"timezone"`
	SweepTime      string            `yaml:"sweep_time"`
	DispatchTime   string            `yaml:"dispatch_time"`
	MaxAttempts    int               `yaml:"max_attempts"`
	SessionTimeout Duration          `yaml:"session_timeout"`
	SendInterval   Duration          `yaml:"send_interval"`
	AdminIDs       []int64           `yaml:"admin_ids"`
	Messages       map[string]string `yaml:"messages"`
	Bindings       []Binding         `yaml:"bindings"`

	loc *time.Location
}

func (r *Runtime) Location() *time.Location { return r.loc }

func (r *Runtime) BindingForChat(chatID int64) (Binding, bool) {
	for _, b := range r.Bindings {
		if b.ChatID == chatID {
			return b, true
		}
	}
	return Binding{}, false
}

func (r *Runtime) IsAdmin(userID int64) bool {
	for _, id := range r.AdminIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// Render substitutes {placeholder} variables into the named message template.
// A missing template renders as the key itself so a config mistake is visible
// in the chat rather than silently dropped.
func (r *Runtime) Render(key string, vars map[string]string) string {
	text, ok := r.Messages[key]
	if !ok {
		return key
	}
	for k, v := range vars {
		text = strings.ReplaceAll(text, "{"+k+"}", v)
	}
	return text
}

func parseRuntime(raw []byte) (*Runtime, error) {
	r := &Runtime{
		MaxAttempts:    2,
		SessionTimeout: Duration(2 * time.Minute),
		SendInterval:   Duration(time.Second),
		Timezone:       "UTC",
	}
	if err := yaml.Unmarshal(raw, r); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	loc, err := time.LoadLocation(r.Timezone)
	if err != nil {
		return nil, fmt.Errorf("timezone %q: %w", r.Timezone, err)
	}
	r.loc = loc

	sweep, err := parseClock(r.SweepTime)
	if err != nil {
		return nil, fmt.Errorf("sweep_time: %w", err)
	}
	dispatch, err := parseClock(r.DispatchTime)
	if err != nil {
		return nil, fmt.Errorf("dispatch_time: %w", err)
	}
	if !dispatch.After(sweep) {
		return nil, fmt.Errorf("dispatch_time %s must be after sweep_time %s", r.DispatchTime, r.SweepTime)
	}
	if r.MaxAttempts < 1 {
		return nil, fmt.Errorf("max_attempts must be >= 1, got %d", r.MaxAttempts)
	}
	for i, b := range r.Bindings {
		if b.Key == "" || b.ChatID == 0 || len(b.GCGroupIDs) == 0 {
			return nil, fmt.Errorf("binding %d (%q): key, chat_id and gc_group_ids are required", i, b.Label)
		}
	}
	return r, nil
}

func parseClock(s string) (time.Time, error) {
	return time.Parse("15:04", s)
}

// Controller owns the live Runtime snapshot. Reload swaps it atomically:
// readers always see either the old or the new snapshot, never a mix, and
// an invalid file leaves the old snapshot in place.
type Controller struct {
	path string
	cur  atomic.Pointer[Runtime]
}

func Load(path string) (*Controller, error) {
	c := &Controller{path: path}
	if err := c.Reload(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Controller) Reload() error {
	raw, err := os.ReadFile(c.path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	r, err := parseRuntime(raw)
	if err != nil {
		return err
	}
	c.cur.Store(r)
	return nil
}

func (c *Controller) Current() *Runtime {
	return c.cur.Load()
}
