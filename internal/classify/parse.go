package classify

import (
	"path"
	"sort"
	"strings"

	tree_sitter "github.com/tree-sitter/go-tree-sitter"
	tree_sitter_bash "github.com/tree-sitter/tree-sitter-bash/bindings/go"
)

// transparentWrappers run another program given as their argument; the real
// invoked program is found by unwrapping them.
var transparentWrappers = map[string]bool{
	"sudo":   true,
	"env":    true,
	"nice":   true,
	"nohup":  true,
	"time":   true,
	"xargs":  true,
	"strace": true,
	"ltrace": true,
}

// ParseCommand parses raw shell text into its structured form using the
// bash grammar. It never fails: input the grammar cannot parse comes back
// with ParseError set, which the classifier turns into a BLOCKED verdict.
func ParseCommand(raw string) Command {
	cmd := Command{Raw: raw}

	if strings.TrimSpace(raw) == "" {
		cmd.ParseError = "empty command"
		return cmd
	}
	if strings.ContainsRune(raw, '\x00') {
		cmd.ParseError = "command contains NUL byte"
		return cmd
	}

	parser := tree_sitter.NewParser()
	defer parser.Close()
	parser.SetLanguage(tree_sitter.NewLanguage(tree_sitter_bash.Language()))

	src := []byte(raw)
	tree := parser.Parse(src, nil)
	if tree == nil {
		cmd.ParseError = "bash grammar produced no parse tree"
		return cmd
	}
	defer tree.Close()

	root := tree.RootNode()
	if root.HasError() {
		cmd.ParseError = "malformed shell syntax"
		return cmd
	}

	w := &walker{src: src}
	w.walk(root, &cmd)

	if topLevelStatements(root) > 1 {
		// `;`-separated statements are chaining even without && or ||.
		cmd.HasChaining = true
	}

	cmd.BaseCommand = resolveBase(w.commands)
	cmd.Tokens = w.tokens
	cmd.Paths = uniqueSorted(extractPaths(w.tokens))
	cmd.EnvVars = uniqueSorted(w.envVars)
	return cmd
}

type walker struct {
	src      []byte
	tokens   []string
	envVars  []string
	commands [][]string
}

func (w *walker) text(n *tree_sitter.Node) string {
	start, end := n.StartByte(), n.EndByte()
	if start > end || end > uint(len(w.src)) {
		return ""
	}
	return string(w.src[start:end])
}

func (w *walker) walk(n *tree_sitter.Node, cmd *Command) {
	kind := n.Kind()

	switch kind {
	case "list", "pipeline", "command_substitution", "subshell", "process_substitution":
		cmd.HasChaining = true
	case "command":
		w.commands = append(w.commands, w.argv(n))
	case "variable_assignment", "simple_expansion", "expansion":
		if name := w.childText(n, "variable_name"); name != "" {
			w.envVars = append(w.envVars, name)
		}
	case "word", "number":
		if n.ChildCount() == 0 {
			w.tokens = append(w.tokens, w.text(n))
		}
	case "string", "raw_string":
		w.tokens = append(w.tokens, stripQuotes(w.text(n)))
	}

	if kind == "raw_string" {
		// Single quotes are literal; nothing inside can expand or chain.
		return
	}

	count := n.ChildCount()
	for i := uint(0); i < count; i++ {
		w.walk(n.Child(i), cmd)
	}
}

// argv extracts the word list of a single command node.
func (w *walker) argv(n *tree_sitter.Node) []string {
	var argv []string
	count := n.ChildCount()
	for i := uint(0); i < count; i++ {
		child := n.Child(i)
		switch child.Kind() {
		case "command_name", "word", "number", "concatenation":
			argv = append(argv, w.text(child))
		case "string", "raw_string":
			argv = append(argv, stripQuotes(w.text(child)))
		}
	}
	return argv
}

func (w *walker) childText(n *tree_sitter.Node, kind string) string {
	count := n.ChildCount()
	for i := uint(0); i < count; i++ {
		child := n.Child(i)
		if child.Kind() == kind {
			return w.text(child)
		}
	}
	return ""
}

func topLevelStatements(root *tree_sitter.Node) int {
	statements := 0
	count := root.ChildCount()
	for i := uint(0); i < count; i++ {
		switch root.Child(i).Kind() {
		case ";", "&", "\n", "comment":
		default:
			statements++
		}
	}
	return statements
}

// resolveBase finds the real invoked program of the first command,
// unwrapping transparent wrappers like sudo and env.
func resolveBase(commands [][]string) string {
	if len(commands) == 0 {
		return ""
	}
	argv := commands[0]
	idx := 0
	for idx < len(argv) {
		base := path.Base(argv[idx])
		if !transparentWrappers[base] {
			return base
		}
		// Skip the wrapper, then any VAR=value assignments, flags and
		// numeric flag values that belong to it.
		idx++
		for idx < len(argv) {
			arg := argv[idx]
			if strings.HasPrefix(arg, "-") || isAssignment(arg) || isNumeric(arg) {
				idx++
				continue
			}
			break
		}
	}
	if len(argv) > 0 {
		return path.Base(argv[0])
	}
	return ""
}

func isNumeric(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func isAssignment(s string) bool {
	eq := strings.IndexByte(s, '=')
	if eq <= 0 {
		return false
	}
	// Assignment names never contain a path separator.
	return !strings.ContainsRune(s[:eq], '/')
}

func stripQuotes(s string) string {
	if len(s) >= 2 {
		first, last := s[0], s[len(s)-1]
		if (first == '"' && last == '"') || (first == '\'' && last == '\'') {
			return s[1 : len(s)-1]
		}
	}
	return s
}

func extractPaths(tokens []string) []string {
	var paths []string
	for _, tok := range tokens {
		if tok == "" {
			continue
		}
		if tok[0] == '/' || tok[0] == '~' ||
			strings.HasPrefix(tok, "./") || strings.HasPrefix(tok, "../") {
			paths = append(paths, tok)
		}
	}
	return paths
}

func uniqueSorted(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(values))
	var out []string
	for _, v := range values {
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}
