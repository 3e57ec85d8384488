package build

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// A recipe opcode.
type Op string

const (
	OpSetBase    Op = "SET_BASE"
	OpCopy       Op = "COPY"
	OpRun        Op = "RUN"
	OpExpose     Op = "EXPOSE"
	OpEnv        Op = "ENV"
	OpCmd        Op = "CMD"
	OpEntrypoint Op = "ENTRYPOINT"
	OpWorkdir    Op = "WORKDIR"
)

// A single recipe instruction.
type Instruction struct {
	Op   Op
	Args []string
	Line int // Source line, for error reporting.
}

// An ordered list of instructions, SET_BASE first.
type Recipe struct {
	Instructions []Instruction
}

// Parses a recipe from text.
//
// One instruction per line: an opcode followed by its arguments. Blank
// lines and lines starting with '#' are ignored. RUN takes the rest of the
// line verbatim as a shell command; other opcodes take whitespace-separated
// arguments.
func ParseRecipe(r io.Reader) (*Recipe, error) {
	var recipe Recipe

	scanner := bufio.NewScanner(r)
	for n := 1; scanner.Scan(); n++ {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		ins, err := parseLine(line, n)
		if err != nil {
			return nil, err
		}
		recipe.Instructions = append(recipe.Instructions, ins)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRecipe, err)
	}

	if err := recipe.validate(); err != nil {
		return nil, err
	}
	return &recipe, nil
}

// Parses a recipe file from disk.
func ParseRecipeFile(path string) (*Recipe, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRecipe, err)
	}
	defer f.Close()
	return ParseRecipe(f)
}

// Parses a single instruction line.
func parseLine(line string, n int) (Instruction, error) {
	opcode, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)
	op := Op(opcode)

	var args []string
	switch op {
	case OpRun:
		// The whole remainder is one shell command.
		if rest == "" {
			return Instruction{}, lineErr(n, "RUN requires a command")
		}
		args = []string{rest}

	case OpSetBase, OpWorkdir:
		fields := strings.Fields(rest)
		if len(fields) != 1 {
			return Instruction{}, lineErr(n, "%s requires exactly one argument", op)
		}
		args = fields

	case OpCopy:
		fields := strings.Fields(rest)
		if len(fields) != 2 {
			return Instruction{}, lineErr(n, "COPY requires a source pattern and a destination")
		}
		args = fields

	case OpEnv:
		key, value, err := parseEnvArgs(rest)
		if err != nil {
			return Instruction{}, lineErr(n, "%v", err)
		}
		args = []string{key, value}

	case OpExpose:
		fields := strings.Fields(rest)
		if len(fields) == 0 {
			return Instruction{}, lineErr(n, "EXPOSE requires at least one port")
		}
		for i, field := range fields {
			port, err := normalizePort(field)
			if err != nil {
				return Instruction{}, lineErr(n, "%v", err)
			}
			fields[i] = port
		}
		args = fields

	case OpCmd, OpEntrypoint:
		fields := strings.Fields(rest)
		if len(fields) == 0 {
			return Instruction{}, lineErr(n, "%s requires at least one argument", op)
		}
		args = fields

	default:
		return Instruction{}, lineErr(n, "unknown opcode %q", opcode)
	}

	return Instruction{Op: op, Args: args, Line: n}, nil
}

// Validates instruction ordering.
func (r *Recipe) validate() error {
	if len(r.Instructions) == 0 {
		return fmt.Errorf("%w: empty recipe", ErrRecipe)
	}
	if r.Instructions[0].Op != OpSetBase {
		return fmt.Errorf("%w: first instruction must be SET_BASE", ErrRecipe)
	}
	for _, ins := range r.Instructions[1:] {
		if ins.Op == OpSetBase {
			return lineErr(ins.Line, "SET_BASE may only appear first")
		}
	}
	return nil
}

// Splits an ENV argument into key and value.
//
// Accepts both "KEY=VALUE" and "KEY VALUE" forms.
func parseEnvArgs(rest string) (string, string, error) {
	if key, value, ok := strings.Cut(rest, "="); ok && !strings.ContainsAny(key, " \t") {
		key = strings.TrimSpace(key)
		if key == "" {
			return "", "", fmt.Errorf("ENV requires a non-empty key")
		}
		return key, value, nil
	}

	fields := strings.Fields(rest)
	if len(fields) != 2 {
		return "", "", fmt.Errorf("ENV requires KEY=VALUE or KEY VALUE")
	}
	return fields[0], fields[1], nil
}

// Validates a port spec and defaults the protocol to tcp.
func normalizePort(spec string) (string, error) {
	port, proto, ok := strings.Cut(spec, "/")
	if !ok {
		proto = "tcp"
	}

	n, err := strconv.Atoi(port)
	if err != nil || n < 1 || n > 65535 {
		return "", fmt.Errorf("invalid port %q", spec)
	}
	if proto != "tcp" && proto != "udp" {
		return "", fmt.Errorf("invalid protocol in %q", spec)
	}

	return fmt.Sprintf("%d/%s", n, proto), nil
}

func lineErr(n int, format string, args ...any) error {
	return fmt.Errorf("%w: line %d: %s", ErrRecipe, n, fmt.Sprintf(format, args...))
}
