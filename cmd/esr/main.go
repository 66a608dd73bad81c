// Command esr is an interactive shell and script runner for the
// es-runtime value bridge. Results come back as detached snapshots;
// promise results are awaited and printed as resolved or rejected.
package main

import (
	"bytes"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/alecthomas/chroma/v2"
	"github.com/alecthomas/chroma/v2/formatters"
	"github.com/alecthomas/chroma/v2/lexers"
	"github.com/alecthomas/chroma/v2/styles"
	"github.com/charmbracelet/lipgloss"
	"github.com/chzyer/readline"
	"go.uber.org/zap"

	esruntime "github.com/sagudev/es-runtime"
)

const version = "0.4.0"

// Styles
var (
	primaryColor = lipgloss.Color("#7C3AED")
	accentColor  = lipgloss.Color("#10B981")
	errorColor   = lipgloss.Color("#EF4444")
	warnColor    = lipgloss.Color("#F59E0B")
	numberColor  = lipgloss.Color("#3B82F6")
	dimColor     = lipgloss.Color("#6B7280")

	logoStyle    = lipgloss.NewStyle().Foreground(primaryColor).Bold(true)
	promptStyle  = lipgloss.NewStyle().Foreground(primaryColor).Bold(true)
	contStyle    = lipgloss.NewStyle().Foreground(dimColor)
	errorStyle   = lipgloss.NewStyle().Foreground(errorColor).Bold(true)
	errMsgStyle  = lipgloss.NewStyle().Foreground(errorColor)
	okStyle      = lipgloss.NewStyle().Foreground(accentColor)
	warnStyle    = lipgloss.NewStyle().Foreground(warnColor)
	dimStyle     = lipgloss.NewStyle().Foreground(dimColor)
	stringStyle  = lipgloss.NewStyle().Foreground(accentColor)
	numberStyle  = lipgloss.NewStyle().Foreground(numberColor)
	boolStyle    = lipgloss.NewStyle().Foreground(warnColor)
	cmdStyle     = lipgloss.NewStyle().Foreground(warnColor)
	titleStyle   = lipgloss.NewStyle().Foreground(primaryColor).Bold(true).Underline(true)
	resultStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#A78BFA"))
	pendingStyle = lipgloss.NewStyle().Foreground(dimColor).Italic(true)
)

// Syntax highlighter
var (
	jsLexer     chroma.Lexer
	chromaStyle *chroma.Style
	formatter   chroma.Formatter
)

func initSyntaxHighlighter() {
	jsLexer = lexers.Get("javascript")
	if jsLexer == nil {
		jsLexer = lexers.Fallback
	}
	jsLexer = chroma.Coalesce(jsLexer)
	chromaStyle = styles.Get("dracula")
	if chromaStyle == nil {
		chromaStyle = styles.Fallback
	}
	formatter = formatters.Get("terminal256")
	if formatter == nil {
		formatter = formatters.Fallback
	}
}

func highlightCode(code string) string {
	if jsLexer == nil {
		return code
	}
	var buf bytes.Buffer
	iterator, err := jsLexer.Tokenise(nil, code)
	if err != nil {
		return code
	}
	if err := formatter.Format(&buf, chromaStyle, iterator); err != nil {
		return code
	}
	return strings.TrimSuffix(buf.String(), "\n")
}

type shell struct {
	mu         sync.Mutex // guards rt against swaps from .reset while the signal handler reads it
	rt         *esruntime.Runtime
	newRuntime func() (*esruntime.Runtime, error)
	timeout    time.Duration
	showTiming bool
	evalCount  int
	multiline  strings.Builder
	inMulti    bool
	startTime  time.Time
}

// interruptScript aborts whatever the current runtime is evaluating.
// Safe to call from timer and signal goroutines.
func (s *shell) interruptScript(reason string) {
	s.mu.Lock()
	rt := s.rt
	s.mu.Unlock()
	rt.Interrupt(reason)
}

func main() {
	os.Exit(run())
}

func run() int {
	evalCode := flag.String("e", "", "evaluate code and exit")
	showVersion := flag.Bool("version", false, "show version")
	showHelp := flag.Bool("help", false, "show help")
	timing := flag.Bool("timing", false, "show execution time")
	timeout := flag.Duration("timeout", 5*time.Second, "limit for evaluation and promise awaiting")
	verbose := flag.Bool("verbose", false, "log runtime internals and console output to stderr")
	flag.Parse()

	initSyntaxHighlighter()

	if *showVersion {
		printVersion()
		return 0
	}
	if *showHelp {
		printUsage()
		return 0
	}

	newRuntime := func() (*esruntime.Runtime, error) {
		opts := []esruntime.Option{}
		if *verbose {
			logger, err := zap.NewDevelopment()
			if err != nil {
				return nil, err
			}
			opts = append(opts, esruntime.WithLogger(logger))
		}
		rt, err := esruntime.New(opts...)
		if err != nil {
			return nil, err
		}
		if err := registerShellOps(rt); err != nil {
			rt.Close()
			return nil, err
		}
		return rt, nil
	}

	rt, err := newRuntime()
	if err != nil {
		fmt.Fprintln(os.Stderr, errorStyle.Render("Error:")+" failed to start runtime:", err)
		return 1
	}
	defer rt.Close()

	s := &shell{
		rt:         rt,
		newRuntime: newRuntime,
		timeout:    *timeout,
		showTiming: *timing,
		startTime:  time.Now(),
	}

	if *evalCode != "" {
		if !s.evalAndPrint(*evalCode) {
			return 1
		}
		return 0
	}

	if args := flag.Args(); len(args) > 0 {
		for _, filename := range args {
			if err := s.runFile(filename); err != nil {
				printError(err)
				return 1
			}
		}
		return 0
	}

	s.runREPL()
	return 0
}

func printVersion() {
	fmt.Println(logoStyle.Render("esr") + dimStyle.Render(" v"+version))
	fmt.Println(dimStyle.Render("JavaScript with a detached value bridge, powered by goja"))
	fmt.Println(dimStyle.Render(fmt.Sprintf("Go %s, %s/%s", runtime.Version(), runtime.GOOS, runtime.GOARCH)))
}

func printUsage() {
	fmt.Println()
	fmt.Println(titleStyle.Render("esr - es-runtime shell"))
	fmt.Println()
	fmt.Println(logoStyle.Render("USAGE"))
	fmt.Println("  esr [options] [script.js ...]")
	fmt.Println()
	fmt.Println(logoStyle.Render("OPTIONS"))
	fmt.Println("  " + cmdStyle.Render("-e <code>") + "       Evaluate code and exit")
	fmt.Println("  " + cmdStyle.Render("-timeout <dur>") + "  Evaluation and await limit (default 5s)")
	fmt.Println("  " + cmdStyle.Render("-timing") + "         Show execution time")
	fmt.Println("  " + cmdStyle.Render("-verbose") + "        Log runtime internals to stderr")
	fmt.Println("  " + cmdStyle.Render("-version") + "        Show version information")
	fmt.Println()
	fmt.Println(logoStyle.Render("REPL COMMANDS"))
	for _, c := range replCommands {
		fmt.Printf("  %s  %s\n", cmdStyle.Render(fmt.Sprintf("%-14s", c.cmd)), dimStyle.Render(c.desc))
	}
	fmt.Println()
}

var replCommands = []struct{ cmd, desc string }{
	{".help", "Show this help message"},
	{".exit", "Exit the shell"},
	{".clear", "Clear the screen"},
	{".load <file>", "Load and execute a script file"},
	{".timeout <dur>", "Set the evaluation and await limit"},
	{".timing", "Toggle execution timing"},
	{".info", "Show runtime information"},
	{".examples", "Run bridge demo snippets"},
	{".reset", "Replace the runtime (clear all state)"},
}

// registerShellOps installs the host operations the demo snippets and
// interactive sessions can call.
func registerShellOps(rt *esruntime.Runtime) error {
	if err := rt.RegisterOp("now_ms", func([]*esruntime.Value) (*esruntime.Value, error) {
		return esruntime.NewFloat64(float64(time.Now().UnixMilli())), nil
	}); err != nil {
		return err
	}
	return rt.RegisterOp("sleep_ms", func(args []*esruntime.Value) (*esruntime.Value, error) {
		if len(args) == 0 {
			return nil, errors.New("sleep_ms: duration argument required")
		}
		ms, err := args[0].AsInt32()
		if err != nil {
			return nil, err
		}
		if ms < 0 || ms > 10000 {
			return nil, fmt.Errorf("sleep_ms: %dms out of range", ms)
		}
		time.Sleep(time.Duration(ms) * time.Millisecond)
		return esruntime.NewString(fmt.Sprintf("slept %dms", ms)), nil
	})
}

func (s *shell) runFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("read %s: %w", filename, err)
	}

	start := time.Now()
	v, err := s.eval(string(data), filename)
	if err != nil {
		return err
	}
	if v.IsPromise() {
		s.printSettlement(v)
	}
	if s.showTiming {
		printTiming(time.Since(start))
	}
	return nil
}

// eval runs code with the shell's time limit; a script that overruns it
// (or catches a Ctrl-C) is interrupted.
func (s *shell) eval(code, origin string) (*esruntime.Value, error) {
	watchdog := time.AfterFunc(s.timeout, func() {
		s.interruptScript("evaluation exceeded " + s.timeout.String())
	})
	v, err := s.rt.EvalScript(code, origin)
	watchdog.Stop()
	s.rt.ClearInterrupt()
	return v, err
}

func (s *shell) runREPL() {
	historyFile := ""
	if home, err := os.UserHomeDir(); err == nil {
		historyFile = filepath.Join(home, ".esr_history")
	}

	completer := readline.NewPrefixCompleter()
	completions := []string{
		"var", "let", "const", "function", "return", "if", "else", "for", "while",
		"try", "catch", "finally", "throw", "new", "typeof", "class", "async",
		"true", "false", "null", "undefined",
		"console", "Math", "JSON", "Object", "Array", "String", "Number", "Promise",
		"setTimeout", "setInterval",
		"esses", "esses.invoke", "esses.invokeSync",
		"Promise.resolve", "Promise.reject", "Promise.all",
		".help", ".exit", ".clear", ".load", ".timeout", ".timing", ".info", ".examples", ".reset",
	}
	for _, item := range completions {
		completer.Children = append(completer.Children, readline.PcItem(item))
	}

	rl, err := readline.NewEx(&readline.Config{
		Prompt:            s.prompt(false),
		HistoryFile:       historyFile,
		HistoryLimit:      1000,
		AutoComplete:      completer,
		InterruptPrompt:   "^C",
		EOFPrompt:         "exit",
		HistorySearchFold: true,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, errorStyle.Render("Error:")+" failed to initialize readline:", err)
		os.Exit(1)
	}
	defer rl.Close()

	// While readline is reading, Ctrl-C arrives as ErrInterrupt below.
	// While a script is running the terminal is cooked, so Ctrl-C raises
	// SIGINT; forward it as a script interrupt instead of dying.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	defer signal.Stop(sigCh)
	go func() {
		for range sigCh {
			s.interruptScript("interrupted")
		}
	}()

	printBanner()

	for {
		rl.SetPrompt(s.prompt(s.inMulti))

		line, err := rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt {
				if s.inMulti {
					s.multiline.Reset()
					s.inMulti = false
					fmt.Println()
				}
				continue
			}
			if err == io.EOF {
				fmt.Println()
				fmt.Println(dimStyle.Render("Goodbye!"))
				return
			}
			continue
		}

		if !s.inMulti && strings.HasPrefix(line, ".") {
			if !s.handleCommand(line) {
				return
			}
			continue
		}

		if s.inMulti {
			if line == "" {
				code := s.multiline.String()
				s.multiline.Reset()
				s.inMulti = false
				s.evalAndPrint(code)
			} else {
				s.multiline.WriteString(line)
				s.multiline.WriteString("\n")
			}
			continue
		}

		if line == "exit" || line == "quit" {
			fmt.Println(dimStyle.Render("Goodbye!"))
			return
		}

		if needsContinuation(line) {
			s.multiline.WriteString(line)
			s.multiline.WriteString("\n")
			s.inMulti = true
			continue
		}

		s.evalAndPrint(line)
	}
}

func (s *shell) prompt(continuation bool) string {
	if continuation {
		return contStyle.Render("... ")
	}
	return promptStyle.Render("esr") + dimStyle.Render(" > ")
}

func printBanner() {
	fmt.Println()
	fmt.Println(logoStyle.Render("  esr") + dimStyle.Render("  es-runtime shell v"+version))
	fmt.Println(dimStyle.Render("  Type ") + cmdStyle.Render(".help") + dimStyle.Render(" for commands, ") + cmdStyle.Render(".examples") + dimStyle.Render(" for a tour. Promises are awaited automatically."))
	fmt.Println()
}

// handleCommand returns false when the REPL should exit.
func (s *shell) handleCommand(line string) bool {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return true
	}
	cmd := strings.ToLower(parts[0])
	args := parts[1:]

	switch cmd {
	case ".help", ".h", ".?":
		fmt.Println()
		fmt.Println(titleStyle.Render("Commands"))
		fmt.Println()
		for _, c := range replCommands {
			fmt.Printf("  %s  %s\n", cmdStyle.Render(fmt.Sprintf("%-14s", c.cmd)), dimStyle.Render(c.desc))
		}
		fmt.Println()
	case ".exit", ".quit", ".q":
		fmt.Println(dimStyle.Render("Goodbye!"))
		return false
	case ".clear", ".cls":
		fmt.Print("\033[H\033[2J")
	case ".load", ".l":
		if len(args) == 0 {
			fmt.Println(errorStyle.Render("Usage:") + " .load <filename>")
			break
		}
		if err := s.runFile(args[0]); err != nil {
			printError(err)
		} else {
			fmt.Println(okStyle.Render("✓") + " Loaded " + args[0])
		}
	case ".timeout":
		if len(args) == 0 {
			fmt.Println(dimStyle.Render("Current limit: " + s.timeout.String()))
			break
		}
		d, err := time.ParseDuration(args[0])
		if err != nil || d <= 0 {
			fmt.Println(errorStyle.Render("Usage:") + " .timeout <duration>, e.g. .timeout 10s")
			break
		}
		s.timeout = d
		fmt.Println(okStyle.Render("✓") + " Limit set to " + d.String())
	case ".timing", ".time":
		s.showTiming = !s.showTiming
		if s.showTiming {
			fmt.Println(okStyle.Render("✓") + " Timing enabled")
		} else {
			fmt.Println(dimStyle.Render("○ Timing disabled"))
		}
	case ".info", ".i":
		s.cmdInfo()
	case ".examples", ".ex":
		s.cmdExamples()
	case ".reset":
		s.cmdReset()
	default:
		fmt.Println(errorStyle.Render("Unknown command:") + " " + cmd)
		fmt.Println(dimStyle.Render("Type .help for available commands"))
	}
	return true
}

func (s *shell) cmdInfo() {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	fmt.Println()
	fmt.Println(titleStyle.Render("Runtime Information"))
	fmt.Println()
	info := []struct{ label, value string }{
		{"Version", version},
		{"Engine", "goja (ES2017+) on a single event loop"},
		{"Go Version", runtime.Version()},
		{"OS/Arch", fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH)},
		{"Heap", fmt.Sprintf("%.2f MB", float64(memStats.HeapAlloc)/1024/1024)},
		{"Await limit", s.timeout.String()},
		{"Evaluations", fmt.Sprintf("%d", s.evalCount)},
		{"Uptime", time.Since(s.startTime).Round(time.Second).String()},
	}
	for _, i := range info {
		fmt.Printf("  %s  %s\n", dimStyle.Render(fmt.Sprintf("%-14s", i.label)), i.value)
	}
	fmt.Println()
}

func (s *shell) cmdExamples() {
	fmt.Println()
	fmt.Println(titleStyle.Render("Bridge Examples"))
	fmt.Println()

	examples := []struct {
		title string
		desc  string
		code  string
	}{
		{"Arithmetic", "Numbers bridge as int32 or float64",
			"6 * 7"},
		{"Detached object", "Objects come back as deep snapshots",
			"({greeting: 'hi', nested: {n: 1}})"},
		{"Promise", "Promise results are awaited",
			"new Promise(r => setTimeout(() => r('settled!'), 50))"},
		{"Chained promise", "Settlement flows through then chains",
			"Promise.resolve(123).then(v => v * 2)"},
		{"Rejection", "Rejections carry their reason",
			"Promise.reject('nope')"},
		{"Sync host op", "Host operation on the event loop",
			"esses.invokeSync('now_ms')"},
		{"Async host op", "Host operation as a promise",
			"esses.invoke('sleep_ms', 100)"},
		{"Namespace", "The bridge namespace is always present",
			"esses.version"},
	}

	for i, ex := range examples {
		fmt.Printf("  %d. %s\n", i+1, titleStyle.Render(ex.title))
		fmt.Printf("     %s\n", dimStyle.Render(ex.desc))
		fmt.Printf("     %s\n", highlightCode(ex.code))

		v, err := s.eval(ex.code, "<examples>")
		switch {
		case err != nil:
			fmt.Printf("     %s %s\n", errorStyle.Render("→"), errMsgStyle.Render(err.Error()))
		case v.IsPromise():
			fmt.Printf("     %s ", resultStyle.Render("→"))
			s.printSettlement(v)
		default:
			fmt.Printf("     %s %s\n", resultStyle.Render("→"), formatValue(v))
		}
		fmt.Println()
	}
}

func (s *shell) cmdReset() {
	fmt.Println(dimStyle.Render("Replacing runtime..."))
	rt, err := s.newRuntime()
	if err != nil {
		printError(err)
		return
	}
	s.mu.Lock()
	old := s.rt
	s.rt = rt
	s.mu.Unlock()
	old.Close()
	s.evalCount = 0
	fmt.Println(okStyle.Render("✓") + " Fresh runtime, all state cleared")
}

// evalAndPrint reports success for the -e path.
func (s *shell) evalAndPrint(code string) bool {
	code = strings.TrimSpace(code)
	if code == "" {
		return true
	}
	s.evalCount++

	start := time.Now()
	v, err := s.eval(code, "<repl>")
	if err != nil {
		printError(err)
		return false
	}
	if v.IsPromise() {
		s.printSettlement(v)
	} else if !v.IsUndefined() {
		fmt.Println(formatValue(v))
	}
	if s.showTiming {
		printTiming(time.Since(start))
	}
	return true
}

// printSettlement awaits a promise result and prints its outcome.
func (s *shell) printSettlement(v *esruntime.Value) {
	res, err := v.Await(s.timeout)
	switch {
	case err == nil:
		fmt.Println(okStyle.Render("resolved ") + formatValue(res))
	case errors.Is(err, esruntime.ErrAwaitTimeout):
		fmt.Println(pendingStyle.Render("still pending after " + s.timeout.String() + " (" + v.String() + ")"))
	default:
		var rej *esruntime.RejectedError
		if errors.As(err, &rej) && rej.Reason != nil {
			fmt.Println(errorStyle.Render("rejected ") + formatValue(rej.Reason))
		} else {
			printError(err)
		}
	}
}

func formatValue(v *esruntime.Value) string {
	switch {
	case v.IsUndefined():
		return dimStyle.Render("undefined")
	case v.IsBool():
		return boolStyle.Render(v.String())
	case v.IsInt32(), v.IsFloat64():
		return numberStyle.Render(v.String())
	case v.IsString():
		return stringStyle.Render(v.String())
	case v.IsPromise():
		return pendingStyle.Render(v.String())
	default:
		return resultStyle.Render(v.String())
	}
}

func printError(err error) {
	var se *esruntime.ScriptError
	if errors.As(err, &se) && se.Line > 0 {
		fmt.Println(errorStyle.Render("Error") + dimStyle.Render(fmt.Sprintf(" at %s:%d:%d", se.Origin, se.Line, se.Column)))
		fmt.Println(errMsgStyle.Render(se.Message))
		return
	}
	fmt.Println(errorStyle.Render("Error"))
	fmt.Println(errMsgStyle.Render(err.Error()))
}

func printTiming(duration time.Duration) {
	var style lipgloss.Style
	switch {
	case duration < 10*time.Millisecond:
		style = okStyle
	case duration < 100*time.Millisecond:
		style = warnStyle
	default:
		style = errorStyle
	}
	fmt.Println(style.Render(fmt.Sprintf("⏱  %v", duration)))
}

// needsContinuation reports whether line opens more brackets or strings
// than it closes, meaning the REPL should keep reading.
func needsContinuation(line string) bool {
	opens := 0
	inString := false
	var quote byte

	for i := 0; i < len(line); i++ {
		ch := line[i]
		if inString {
			if ch == quote && (i == 0 || line[i-1] != '\\') {
				inString = false
			}
			continue
		}
		switch ch {
		case '"', '\'', '`':
			inString = true
			quote = ch
		case '{', '(', '[':
			opens++
		case '}', ')', ']':
			opens--
		}
	}
	return opens > 0 || inString
}
