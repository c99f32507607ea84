package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/nugget/chatbridge/internal/config"
	"github.com/nugget/chatbridge/internal/llm"
	"github.com/nugget/chatbridge/internal/profile"
)

// callArgs are the per-call flags shared by ask and draw.
type callArgs struct {
	provider string
	model    string
	size     string
	text     string
}

func parseCallArgs(args []string, allowSize bool) (callArgs, error) {
	var a callArgs
	var words []string
	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-provider" && i+1 < len(args):
			a.provider = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-provider="):
			a.provider = strings.TrimPrefix(args[i], "-provider=")
		case args[i] == "-model" && i+1 < len(args):
			a.model = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-model="):
			a.model = strings.TrimPrefix(args[i], "-model=")
		case allowSize && args[i] == "-size" && i+1 < len(args):
			a.size = args[i+1]
			i++
		case allowSize && strings.HasPrefix(args[i], "-size="):
			a.size = strings.TrimPrefix(args[i], "-size=")
		case args[i] == "--":
			words = append(words, args[i+1:]...)
			i = len(args)
		case strings.HasPrefix(args[i], "-") && len(words) == 0:
			return a, fmt.Errorf("unknown flag: %s", args[i])
		default:
			words = append(words, args[i])
		}
	}
	a.text = strings.TrimSpace(strings.Join(words, " "))
	return a, nil
}

// pickProvider resolves the -provider flag, defaulting to the first
// provider with credentials configured.
func pickProvider(cfg *config.Config, name string) (llm.Provider, error) {
	if name != "" {
		return llm.ParseProvider(name)
	}
	configured := profile.Configured(cfg.Providers)
	if len(configured) == 0 {
		return 0, errors.New("no provider configured; add credentials to the config or pass -provider")
	}
	return configured[0], nil
}

// answer is the JSON output of ask and draw.
type answer struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
	Text     string `json:"text,omitempty"`
	Image    string `json:"image,omitempty"`
}

// runAsk handles "chatbridge ask <question>". Fragments stream to stdout
// as they arrive in text mode; json mode prints one object at the end.
// Logs go to stderr so stdout carries only the answer.
func runAsk(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath, outputFmt string, args []string) error {
	a, err := parseCallArgs(args, false)
	if err != nil {
		return err
	}
	if a.text == "" {
		return fmt.Errorf("usage: chatbridge ask [-provider P] [-model M] <question>")
	}

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := configuredLogger(stderr, cfg)
	logger.Debug("config loaded", "path", cfgPath)

	p, err := pickProvider(cfg, a.provider)
	if err != nil {
		return err
	}

	eng, err := openEngine(cfg, logger, nil)
	if err != nil {
		return err
	}
	defer eng.Close()

	req := profile.Request(cfg.Providers, p, profile.Call{
		Model:    a.model,
		Mode:     llm.ModeChat,
		Messages: []llm.Message{{Role: llm.RoleUser, Content: a.text}},
	})

	res := answer{Provider: p.String(), Model: req.Model}
	var text strings.Builder
	err = runCall(ctx, eng.dispatcher, p, req, llm.Callbacks{
		OnAppend: func(fragment string) {
			text.WriteString(fragment)
			if outputFmt == "text" {
				fmt.Fprint(stdout, fragment)
			}
		},
	})
	if outputFmt == "text" && text.Len() > 0 {
		fmt.Fprintln(stdout)
	}
	if err != nil {
		return fmt.Errorf("ask: %w", err)
	}

	if outputFmt == "json" {
		res.Text = text.String()
		return writeAnswer(stdout, res)
	}
	return nil
}

// runDraw handles "chatbridge draw <prompt>" and prints the saved path.
func runDraw(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath, outputFmt string, args []string) error {
	a, err := parseCallArgs(args, true)
	if err != nil {
		return err
	}
	if a.text == "" {
		return fmt.Errorf("usage: chatbridge draw [-size S] <prompt>")
	}
	if a.provider == "" {
		a.provider = llm.ProviderOpenAI.String()
	}

	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := configuredLogger(stderr, cfg)

	p, err := llm.ParseProvider(a.provider)
	if err != nil {
		return err
	}

	eng, err := openEngine(cfg, logger, nil)
	if err != nil {
		return err
	}
	defer eng.Close()

	req := profile.Request(cfg.Providers, p, profile.Call{
		Model: a.model,
		Mode:  llm.ModeDrawing,
		Image: &llm.ImageRequest{Prompt: a.text, Size: a.size},
	})

	res := answer{Provider: p.String(), Model: req.Model}
	err = runCall(ctx, eng.dispatcher, p, req, llm.Callbacks{
		OnImage: func(path string) { res.Image = path },
	})
	if err != nil {
		return fmt.Errorf("draw: %w", err)
	}
	if res.Image == "" {
		return errors.New("draw: provider returned no image")
	}

	if outputFmt == "json" {
		return writeAnswer(stdout, res)
	}
	fmt.Fprintln(stdout, res.Image)
	return nil
}

// runCall sends req and waits for it to end. SIGINT or SIGTERM cancels
// the call; a cancelled call reports llm.ErrCancelled.
func runCall(ctx context.Context, d *llm.Dispatcher, p llm.Provider, req *llm.Request, cb llm.Callbacks) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	var endErr error
	cb.OnEnd = func(err error) { endErr = err }

	done, err := d.SendChat(ctx, p, req, nil, cb)
	if err != nil {
		return err
	}
	<-done

	if endErr == nil && ctx.Err() != nil {
		return llm.ErrCancelled
	}
	return endErr
}

func writeAnswer(w io.Writer, res answer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(res)
}
