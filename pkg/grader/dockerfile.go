package grader

import (
	"bufio"
	"bytes"
	"strings"
)

// Directive is one Dockerfile instruction after joining continuation lines
// and stripping comments.
type Directive struct {
	// Cmd is the upper-cased instruction name, e.g. "FROM", "COPY".
	Cmd string
	// Args are the whitespace-split arguments, flags included.
	Args []string
}

// Stage is one FROM directive of a multi-stage build.
type Stage struct {
	Image string
	// Alias is the name after AS, empty for unnamed stages.
	Alias string
	// Index is the position of the FROM directive in the directive list.
	Index int
}

// Dockerfile is the parsed directive list. The parser is deliberately
// shallow: it understands directive names, line continuations, comments,
// and the handful of shapes the lab checks need (FROM aliases, COPY
// flags), nothing more.
type Dockerfile struct {
	Directives []Directive
}

// ParseDockerfile parses data into a directive list. Malformed lines are
// skipped rather than rejected; the build itself is the authority on
// validity.
func ParseDockerfile(data []byte) Dockerfile {
	var df Dockerfile

	scanner := bufio.NewScanner(bytes.NewReader(data))
	var pending string
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasSuffix(line, "\\") {
			pending += strings.TrimSuffix(line, "\\") + " "
			continue
		}
		full := pending + line
		pending = ""

		fields := strings.Fields(full)
		if len(fields) < 2 {
			continue
		}
		df.Directives = append(df.Directives, Directive{
			Cmd:  strings.ToUpper(fields[0]),
			Args: fields[1:],
		})
	}

	return df
}

// Stages returns the FROM directives in order.
func (df Dockerfile) Stages() []Stage {
	var stages []Stage
	for i, d := range df.Directives {
		if d.Cmd != "FROM" {
			continue
		}
		stage := Stage{Image: d.Args[0], Index: i}
		if len(d.Args) >= 3 && strings.EqualFold(d.Args[1], "AS") {
			stage.Alias = d.Args[2]
		}
		stages = append(stages, stage)
	}
	return stages
}

// CopyFrom returns the value of a COPY --from flag, or empty when the
// directive has none.
func (d Directive) CopyFrom() string {
	for _, arg := range d.Args {
		if v, ok := strings.CutPrefix(arg, "--from="); ok {
			return v
		}
	}
	return ""
}

// CopySources returns a COPY directive's source paths: the arguments minus
// flags and the trailing destination.
func (d Directive) CopySources() []string {
	var positional []string
	for _, arg := range d.Args {
		if strings.HasPrefix(arg, "--") {
			continue
		}
		positional = append(positional, arg)
	}
	if len(positional) < 2 {
		return nil
	}
	return positional[:len(positional)-1]
}

// RunLine joins a RUN directive's arguments back into one command string.
func (d Directive) RunLine() string {
	return strings.Join(d.Args, " ")
}
