// Package pr отвечает за вывод интерактивной консоли mtclient. Пока консоль открыта,
// всё печатается через буферы readline, чтобы сообщения и логи не ломали
// строку ввода; без консоли вывод идёт в os.Stdout/os.Stderr.
package pr

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/chzyer/readline"
	"github.com/kr/pretty"
	"golang.org/x/term"
)

var (
	mu     sync.Mutex
	rl     *readline.Instance
	stdin  io.Closer
	out    io.Writer = os.Stdout
	errOut io.Writer = os.Stderr
)

// IsTerminal сообщает, подключены ли stdin и stdout к терминалу.
func IsTerminal() bool {
	return term.IsTerminal(int(os.Stdin.Fd())) && term.IsTerminal(int(os.Stdout.Fd()))
}

// Open открывает консоль с приглашением prompt и автодополнением commands.
func Open(prompt string, commands []string) error {
	mu.Lock()
	defer mu.Unlock()
	if rl != nil {
		return nil
	}

	items := make([]readline.PrefixCompleterInterface, 0, len(commands))
	for _, c := range commands {
		items = append(items, readline.PcItem(c))
	}
	cs := readline.NewCancelableStdin(os.Stdin)
	inst, err := readline.NewEx(&readline.Config{
		Prompt:          prompt,
		AutoComplete:    readline.NewPrefixCompleter(items...),
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
		Stdin:           cs,
	})
	if err != nil {
		_ = cs.Close()
		return err
	}
	rl, stdin = inst, cs
	out, errOut = inst.Stdout(), inst.Stderr()
	return nil
}

// ReadLine читает строку. Без открытой консоли сразу возвращает io.EOF;
// Ctrl-C даёт readline.ErrInterrupt.
func ReadLine() (string, error) {
	mu.Lock()
	inst := rl
	mu.Unlock()
	if inst == nil {
		return "", io.EOF
	}
	return inst.Readline()
}

// Interrupt прерывает ожидающий ReadLine (он вернёт io.EOF).
func Interrupt() {
	mu.Lock()
	defer mu.Unlock()
	if stdin != nil {
		_ = stdin.Close()
	}
}

// Close закрывает консоль и возвращает вывод в стандартные потоки.
func Close() {
	mu.Lock()
	defer mu.Unlock()
	if rl != nil {
		_ = rl.Close()
	}
	if stdin != nil {
		_ = stdin.Close()
	}
	rl, stdin = nil, nil
	out, errOut = os.Stdout, os.Stderr
}

func SetPrompt(prompt string) {
	mu.Lock()
	defer mu.Unlock()
	if rl != nil {
		rl.SetPrompt(prompt)
	}
}

// SetOutput подменяет потоки вывода; nil оставляет поток без изменений.
func SetOutput(stdout, stderr io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	if stdout != nil {
		out = stdout
	}
	if stderr != nil {
		errOut = stderr
	}
}

func Stdout() io.Writer {
	mu.Lock()
	defer mu.Unlock()
	return out
}

func Stderr() io.Writer {
	mu.Lock()
	defer mu.Unlock()
	return errOut
}

func Println(a ...any)               { fmt.Fprintln(Stdout(), a...) }
func Printf(format string, a ...any) { fmt.Fprintf(Stdout(), format, a...) }
func ErrPrintln(a ...any)            { fmt.Fprintln(Stderr(), a...) }
func ErrPrintf(format string, a ...any) {
	fmt.Fprintf(Stderr(), format, a...)
}

// PP печатает значение в развёрнутом виде.
func PP(v any) { fmt.Fprint(Stdout(), Pf(v)) }

// Pf форматирует значение так же, как PP.
func Pf(v any) string { return fmt.Sprintf("%# v\n", pretty.Formatter(v)) }
