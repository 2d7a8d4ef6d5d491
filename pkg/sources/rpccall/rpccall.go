// Package rpccall implements the RPC source adapter: a unary gRPC call whose
// request and response messages travel as JSON, so no generated stubs are
// needed on the aggregator side.
package rpccall

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/polisai/polis-aggregator/pkg/engine/runtime"
	"github.com/polisai/polis-aggregator/pkg/transform"
)

// Type is the source type this adapter registers under.
const Type = "rpc"

// Codec carries gRPC messages as JSON documents.
type Codec struct{}

// Name implements encoding.Codec.
func (Codec) Name() string { return "json" }

// Marshal implements encoding.Codec.
func (Codec) Marshal(v any) ([]byte, error) {
	if raw, ok := v.(*json.RawMessage); ok {
		return *raw, nil
	}
	return json.Marshal(v)
}

// Unmarshal implements encoding.Codec.
func (Codec) Unmarshal(data []byte, v any) error {
	if raw, ok := v.(*json.RawMessage); ok {
		*raw = append((*raw)[:0], data...)
		return nil
	}
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}

// Config is the adapter-specific part of a source block.
type Config struct {
	// Target is a gRPC dial target such as dns:///orders:9000.
	Target string `json:"target"`
	// Method is the full method name, /package.Service/Method.
	Method   string          `json:"method"`
	Message  *transform.Spec `json:"message"`
	Metadata *transform.Spec `json:"metadata"`
	// ForwardHeaders copies the named client headers into outgoing metadata.
	ForwardHeaders []string         `json:"forwardHeaders"`
	Timeout        runtime.Duration `json:"timeout"`
}

// Conns shares one client connection per target.
type Conns struct {
	mu    sync.Mutex
	conns map[string]*grpc.ClientConn
	opts  []grpc.DialOption
}

// NewConns creates a connection set. Without options connections use
// plaintext transport credentials.
func NewConns(opts ...grpc.DialOption) *Conns {
	if len(opts) == 0 {
		opts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	return &Conns{conns: make(map[string]*grpc.ClientConn), opts: opts}
}

// Get returns the connection for target, creating it on first use.
func (c *Conns) Get(target string) (*grpc.ClientConn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if conn, ok := c.conns[target]; ok {
		return conn, nil
	}
	conn, err := grpc.NewClient(target, c.opts...)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", target, err)
	}
	c.conns[target] = conn
	return conn, nil
}

// Close closes every connection.
func (c *Conns) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var errs []error
	for target, conn := range c.conns {
		errs = append(errs, conn.Close())
		delete(c.conns, target)
	}
	return errors.Join(errs...)
}

// Options holds the collaborators shared by every RPC source.
type Options struct {
	Conns      *Conns
	Transforms *transform.Engine
	Logger     *slog.Logger
}

type compiled struct {
	target   string
	method   string
	message  *transform.Compiled
	metadata *transform.Compiled
	forward  []string
	timeout  runtime.Duration
}

// Factory returns the source factory bound to opts.
func Factory(opts Options) runtime.SourceFactory {
	if opts.Conns == nil {
		opts.Conns = NewConns()
	}
	if opts.Transforms == nil {
		opts.Transforms = transform.NewEngine(nil)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	return func(cfg runtime.SourceConfig) (runtime.Source, error) {
		var raw Config
		if err := cfg.Decode(&raw); err != nil {
			return nil, err
		}
		c, err := compile(opts.Transforms, raw)
		if err != nil {
			return nil, fmt.Errorf("source %q: %w", cfg.Name, err)
		}
		return &Source{name: cfg.Name, step: cfg.Step, cfg: c, opts: opts}, nil
	}
}

func compile(transforms *transform.Engine, raw Config) (*compiled, error) {
	c := &compiled{
		target:  strings.TrimSpace(raw.Target),
		method:  strings.TrimSpace(raw.Method),
		timeout: raw.Timeout,
	}
	if c.target == "" {
		return nil, errors.New("target is required")
	}
	service, method, ok := strings.Cut(strings.TrimPrefix(c.method, "/"), "/")
	if !strings.HasPrefix(c.method, "/") || !ok || service == "" || method == "" || strings.Contains(method, "/") {
		return nil, fmt.Errorf("method %q must look like /package.Service/Method", raw.Method)
	}
	for _, name := range raw.ForwardHeaders {
		if name = strings.ToLower(strings.TrimSpace(name)); name != "" {
			c.forward = append(c.forward, name)
		}
	}

	var err error
	if c.message, err = transforms.Compile(raw.Message); err != nil {
		return nil, fmt.Errorf("message: %w", err)
	}
	if c.metadata, err = transforms.Compile(raw.Metadata); err != nil {
		return nil, fmt.Errorf("metadata: %w", err)
	}
	return c, nil
}

// Source is one unary call for one pipeline run.
type Source struct {
	name string
	step string
	cfg  *compiled
	opts Options

	message any
	md      metadata.MD
}

// Prepare resolves the request message and the outgoing metadata.
func (s *Source) Prepare(ctx context.Context, ec *runtime.ExecutionContext) error {
	tree := ec.Tree()

	msg, err := s.opts.Transforms.Resolve(ctx, tree, s.cfg.message)
	if err != nil {
		return err
	}
	s.message = transform.Value(msg)

	md := metadata.MD{}
	headers := ec.InputRequest().Headers
	for _, name := range s.cfg.forward {
		md.Append(name, stringsOf(headers[name])...)
	}
	resolved, err := s.opts.Transforms.Resolve(ctx, tree, s.cfg.metadata)
	if err != nil {
		return err
	}
	if m, ok := transform.Value(resolved).(map[string]any); ok {
		for key, v := range m {
			md.Set(key, stringsOf(v)...)
		}
	}
	s.md = md
	return nil
}

// ShouldRun always schedules the call.
func (s *Source) ShouldRun(*runtime.ExecutionContext) bool {
	return true
}

// Execute invokes the method and decodes the JSON reply.
func (s *Source) Execute(ctx context.Context) (runtime.SourceResult, error) {
	result := runtime.SourceResult{
		Name: s.name,
		Request: map[string]any{
			"target":   s.cfg.target,
			"method":   s.cfg.method,
			"metadata": mdMap(s.md),
			"message":  s.message,
		},
	}
	if s.cfg.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.timeout.Std())
		defer cancel()
	}

	conn, err := s.opts.Conns.Get(s.cfg.target)
	if err != nil {
		return result, err
	}

	var header, trailer metadata.MD
	var reply any
	ctx = metadata.NewOutgoingContext(ctx, s.md)
	err = conn.Invoke(ctx, s.cfg.method, s.message, &reply,
		grpc.ForceCodec(Codec{}),
		grpc.Header(&header),
		grpc.Trailer(&trailer),
	)
	if err != nil {
		st, _ := status.FromError(err)
		return result, fmt.Errorf("%s: %s: %w", s.cfg.method, st.Code(), err)
	}

	headers := mdMap(header)
	for k, v := range mdMap(trailer) {
		headers[k] = v
	}
	result.Response = runtime.Message{Headers: headers, Body: reply}
	s.opts.Logger.Debug("rpc source completed", "step", s.step, "source", s.name, "method", s.cfg.method)
	return result, nil
}

func stringsOf(v any) []string {
	switch t := v.(type) {
	case nil:
		return nil
	case string:
		return []string{t}
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			out = append(out, stringsOf(item)...)
		}
		return out
	default:
		return []string{fmt.Sprint(t)}
	}
}

func mdMap(md metadata.MD) map[string]any {
	out := make(map[string]any, len(md))
	for key, values := range md {
		if len(values) == 1 {
			out[key] = values[0]
			continue
		}
		list := make([]any, len(values))
		for i, v := range values {
			list[i] = v
		}
		out[key] = list
	}
	return out
}
