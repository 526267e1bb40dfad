package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/psaab/ndsim/pkg/cmdtree"
)

// candidates returns completion candidates for text, the line up to the
// cursor, and the partial word being completed.
func (c *CLI) candidates(text string) ([]cmdtree.Candidate, string) {
	trailingSpace := len(text) > 0 && text[len(text)-1] == ' '

	if idx := strings.LastIndex(text, "|"); idx >= 0 {
		after := strings.TrimSpace(text[idx+1:])
		if trailingSpace && after != "" {
			// Filter argument is free text.
			return nil, ""
		}
		var out []cmdtree.Candidate
		for name, node := range cmdtree.PipeFilters {
			if strings.HasPrefix(name, after) {
				out = append(out, cmdtree.Candidate{Name: name, Desc: node.Desc})
			}
		}
		return out, after
	}

	words := strings.Fields(text)
	var partial string
	if !trailingSpace && len(words) > 0 {
		partial = words[len(words)-1]
		words = words[:len(words)-1]
	}
	return cmdtree.CompleteFromTreeWithDesc(cmdtree.OperationalTree, words, partial, c.sim.Config()), partial
}

// completer implements readline.AutoCompleter.
type completer struct {
	cli *CLI
}

func (rc *completer) Do(line []rune, pos int) ([][]rune, int) {
	cands, partial := rc.cli.candidates(string(line[:pos]))
	if len(cands) == 0 {
		return nil, 0
	}
	if len(cands) == 1 {
		suffix := cands[0].Name[len(partial):]
		return [][]rune{[]rune(suffix + " ")}, len(partial)
	}

	// Multiple matches: show descriptions above prompt.
	names := make([]string, len(cands))
	for i, cand := range cands {
		names[i] = cand.Name
	}
	cmdtree.WriteHelp(rc.cli.helpWriter(), cands)

	cp := cmdtree.CommonPrefix(names)
	suffix := cp[len(partial):]
	if suffix == "" {
		return nil, 0
	}
	return [][]rune{[]rune(suffix)}, len(partial)
}

func (c *CLI) helpWriter() io.Writer {
	if c.rl != nil {
		return c.rl.Stdout()
	}
	return c.out
}

// helpListener answers '?' with the candidates at the cursor and removes
// the '?' from the line.
func (c *CLI) helpListener(line []rune, pos int, key rune) ([]rune, int, bool) {
	if key != '?' || pos < 1 {
		return line, pos, false
	}
	cleanLine := make([]rune, 0, len(line)-1)
	cleanLine = append(cleanLine, line[:pos-1]...)
	cleanLine = append(cleanLine, line[pos:]...)
	text := string(cleanLine[:pos-1])

	cands, _ := c.candidates(text)
	if len(cands) == 0 {
		fmt.Fprintln(c.helpWriter(), "  (no help available)")
		return cleanLine, pos - 1, true
	}
	cmdtree.WriteHelp(c.helpWriter(), cands)
	return cleanLine, pos - 1, true
}
