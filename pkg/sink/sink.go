package sink

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/panjf2000/gnet"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Datagram is the environment sink rules are evaluated against.
type Datagram struct {
	Size int
	Peer string
	Text string
}

// Record is one captured datagram, written as a JSON line.
type Record struct {
	Time    string `json:"time"`
	Peer    string `json:"peer"`
	Size    int    `json:"size"`
	Payload []byte `json:"payload"`
}

type LogFileConfig struct {
	FilePath   string `mapstructure:"file_path"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
	Compress   bool   `mapstructure:"compress"`
}

type CompiledRule struct {
	Program *vm.Program
}

// Sink receives the relay's unicast output and reports what arrives.
type Sink struct {
	*gnet.EventServer
	logger  *slog.Logger
	rules   []CompiledRule
	capture io.WriteCloser
}

func (s *Sink) OnInitComplete(srv gnet.Server) (action gnet.Action) {
	s.logger.Info("Sink listening", "address", srv.Addr.String())
	return gnet.None
}

func (s *Sink) React(frame []byte, c gnet.Conn) (out []byte, action gnet.Action) {
	peer := ""
	if addr := c.RemoteAddr(); addr != nil {
		peer = addr.String()
	}
	d := &Datagram{Size: len(frame), Peer: peer, Text: string(frame)}

	if !s.shouldLog(d) {
		return nil, gnet.None
	}
	s.logger.Info("Received datagram", "bytes", d.Size, "peer", d.Peer)

	if s.capture != nil {
		// frame is reused by gnet after React returns; Marshal copies it.
		line, err := json.Marshal(Record{
			Time:    time.Now().UTC().Format(time.RFC3339Nano),
			Peer:    peer,
			Size:    len(frame),
			Payload: frame,
		})
		if err != nil {
			s.logger.Error("Error encoding datagram", "error", err)
			return nil, gnet.None
		}
		if _, err := s.capture.Write(append(line, '\n')); err != nil {
			s.logger.Error("Failed to write to capture file", "error", err)
		}
	}
	return nil, gnet.None
}

func (s *Sink) shouldLog(d *Datagram) bool {
	// If no rules are defined, log every datagram
	if len(s.rules) == 0 {
		return true
	}

	for _, rule := range s.rules {
		output, err := expr.Run(rule.Program, d)
		if err != nil {
			s.logger.Error("Error evaluating rule", "error", err)
			continue
		}
		if match, ok := output.(bool); ok && match {
			return true
		}
	}
	return false
}

// ListenAndServe blocks serving udp://addr until the sink is stopped.
func (s *Sink) ListenAndServe(addr string) error {
	return gnet.Serve(s, "udp://"+addr, gnet.WithMulticore(false))
}

// Close flushes and closes the capture file, if any.
func (s *Sink) Close() error {
	if s.capture == nil {
		return nil
	}
	return s.capture.Close()
}

// New builds a Sink from the sink.rules and sink.capture configuration keys.
func New(logger *slog.Logger) *Sink {
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	var ruleStrings []string
	if err := viper.UnmarshalKey("sink.rules", &ruleStrings); err != nil {
		logger.Error("Failed to load rules", "error", err)
	}

	var rules []CompiledRule
	for _, ruleStr := range ruleStrings {
		program, err := expr.Compile(ruleStr, expr.Env(&Datagram{}), expr.AsBool())
		if err != nil {
			logger.Error("Failed to compile rule", "rule", ruleStr, "error", err)
			continue
		}
		rules = append(rules, CompiledRule{Program: program})
	}

	// Leaves are read one by one so flag and env bindings on them are honoured.
	captureCfg := LogFileConfig{
		FilePath:   viper.GetString("sink.capture.file_path"),
		MaxSize:    viper.GetInt("sink.capture.max_size"),
		MaxBackups: viper.GetInt("sink.capture.max_backups"),
		MaxAge:     viper.GetInt("sink.capture.max_age"),
		Compress:   viper.GetBool("sink.capture.compress"),
	}

	s := &Sink{
		logger: logger,
		rules:  rules,
	}
	if captureCfg.FilePath != "" {
		s.capture = &lumberjack.Logger{
			Filename:   captureCfg.FilePath,
			MaxSize:    captureCfg.MaxSize,
			MaxBackups: captureCfg.MaxBackups,
			MaxAge:     captureCfg.MaxAge,
			Compress:   captureCfg.Compress,
		}
		logger.Info("Capturing datagrams", "file", captureCfg.FilePath)
	}
	return s
}

// Stop shuts down the sink serving udp://addr.
func Stop(ctx context.Context, addr string) error {
	return gnet.Stop(ctx, "udp://"+addr)
}
