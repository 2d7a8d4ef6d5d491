// Package validation checks aggregation client input: field rules over
// headers, params and body, locale selection, and scripted rules.
//
// Rules never fail a request by returning an error; they produce ordered
// messages. Errors are reserved for broken rules such as a throwing script.
package validation

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/go-playground/locales/en"
	"github.com/go-playground/locales/zh"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	entranslations "github.com/go-playground/validator/v10/translations/en"
	zhtranslations "github.com/go-playground/validator/v10/translations/zh"
	"github.com/tidwall/gjson"
	"golang.org/x/text/language"
)

// FieldRule validates one field with a validator tag expression such as
// "required,numeric". Message replaces the translated default when set.
type FieldRule struct {
	Field   string `yaml:"field" json:"field"`
	Rule    string `yaml:"rule" json:"rule"`
	Message string `yaml:"message" json:"message,omitempty"`
}

// Validator owns the rule engine and its translators. It is safe for
// concurrent use; per-request state lives in a Session.
type Validator struct {
	validate *validator.Validate
	uni      *ut.UniversalTranslator
	fallback ut.Translator
	sessions sync.Pool
	active   atomic.Int64
}

// New constructs a Validator with English and Chinese messages registered.
func New() (*Validator, error) {
	english := en.New()
	uni := ut.New(english, english, zh.New())
	validate := validator.New()

	enTrans, _ := uni.GetTranslator("en")
	if err := entranslations.RegisterDefaultTranslations(validate, enTrans); err != nil {
		return nil, fmt.Errorf("register en translations: %w", err)
	}
	zhTrans, _ := uni.GetTranslator("zh")
	if err := zhtranslations.RegisterDefaultTranslations(validate, zhTrans); err != nil {
		return nil, fmt.Errorf("register zh translations: %w", err)
	}

	v := &Validator{validate: validate, uni: uni, fallback: enTrans}
	v.sessions.New = func() any { return &Session{owner: v} }
	return v, nil
}

// CompileRules checks that every rule tag parses.
func (v *Validator) CompileRules(rules []FieldRule) error {
	var errs []error
	for i, rule := range rules {
		if strings.TrimSpace(rule.Field) == "" {
			errs = append(errs, fmt.Errorf("rule %d: field is empty", i))
			continue
		}
		if strings.TrimSpace(rule.Rule) == "" {
			errs = append(errs, fmt.Errorf("rule %q: rule is empty", rule.Field))
			continue
		}
		if err := v.checkTag(rule.Rule); err != nil {
			errs = append(errs, fmt.Errorf("rule %q: %w", rule.Field, err))
		}
	}
	return errors.Join(errs...)
}

// checkTag runs the tag once against a zero value; unknown tags panic inside
// the validator, which is turned into an error here.
func (v *Validator) checkTag(tag string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("invalid rule %q: %v", tag, r)
		}
	}()
	_ = v.validate.Var("", tag)
	return nil
}

// Acquire returns a session translating messages into locale. Callers must
// Release the session once validation is complete.
func (v *Validator) Acquire(locale language.Tag) *Session {
	s := v.sessions.Get().(*Session)
	s.trans = v.translator(locale)
	v.active.Add(1)
	return s
}

// Active reports the number of sessions currently acquired.
func (v *Validator) Active() int64 {
	return v.active.Load()
}

func (v *Validator) translator(locale language.Tag) ut.Translator {
	if locale == language.Und {
		return v.fallback
	}
	base, _ := locale.Base()
	if trans, found := v.uni.GetTranslator(base.String()); found {
		return trans
	}
	return v.fallback
}

// Session carries the locale-specific translator for one request.
type Session struct {
	owner *Validator
	trans ut.Translator
}

// SetLocale switches the session translator, used once the locale rule has run.
func (s *Session) SetLocale(locale language.Tag) {
	s.trans = s.owner.translator(locale)
}

// Release returns the session to the pool. The session must not be used afterwards.
func (s *Session) Release() {
	if s.trans == nil {
		return
	}
	s.trans = nil
	s.owner.active.Add(-1)
	s.owner.sessions.Put(s)
}

// CheckMap applies rules to a flat map such as headers or params. Field names
// are matched case-insensitively when lowerKeys is set.
func (s *Session) CheckMap(values map[string]any, rules []FieldRule, lowerKeys bool) []string {
	var messages []string
	for _, rule := range rules {
		name := rule.Field
		if lowerKeys {
			name = strings.ToLower(name)
		}
		if msg, ok := s.check(rule, values[name]); !ok {
			messages = append(messages, msg)
		}
	}
	return messages
}

// CheckBody applies rules whose fields are path expressions into body.
func (s *Session) CheckBody(body any, rules []FieldRule) []string {
	if len(rules) == 0 {
		return nil
	}
	doc, err := json.Marshal(body)
	if err != nil {
		doc = []byte("null")
	}
	var messages []string
	for _, rule := range rules {
		var value any
		if res := gjson.GetBytes(doc, rule.Field); res.Exists() {
			value = res.Value()
		}
		if msg, ok := s.check(rule, value); !ok {
			messages = append(messages, msg)
		}
	}
	return messages
}

func (s *Session) check(rule FieldRule, value any) (string, bool) {
	err := s.owner.validate.Var(value, rule.Rule)
	if err == nil {
		return "", true
	}
	if rule.Message != "" {
		return rule.Message, false
	}
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
		// Var reports an empty field name, so the translated text starts
		// right after the placeholder.
		return rule.Field + fieldErrs[0].Translate(s.trans), false
	}
	return rule.Field + ": " + err.Error(), false
}
