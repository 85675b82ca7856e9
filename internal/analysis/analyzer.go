package analysis

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/python"
)

// Options bounds the cost of analyzing a single submission.
type Options struct {
	MaxSourceBytes int // rejected before parsing when exceeded
	MaxNodes       int // named syntax nodes
	MaxDepth       int // named-node nesting depth
	MaxLoopNesting int // nested for/while statements
}

func DefaultOptions() Options {
	return Options{
		MaxSourceBytes: 10000,
		MaxNodes:       20000,
		MaxDepth:       100,
		MaxLoopNesting: 5,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.MaxSourceBytes <= 0 {
		o.MaxSourceBytes = d.MaxSourceBytes
	}
	if o.MaxNodes <= 0 {
		o.MaxNodes = d.MaxNodes
	}
	if o.MaxDepth <= 0 {
		o.MaxDepth = d.MaxDepth
	}
	if o.MaxLoopNesting <= 0 {
		o.MaxLoopNesting = d.MaxLoopNesting
	}
	return o
}

// Analyzer vets Python source against a Policy without executing it.
// It holds no per-call state and is safe for concurrent use.
type Analyzer struct {
	policy Policy
	opts   Options
}

// New creates an analyzer. A nil policy selects the blocklist.
func New(policy Policy, opts Options) *Analyzer {
	if policy == nil {
		policy = NewBlocklistPolicy()
	}
	return &Analyzer{policy: policy, opts: opts.withDefaults()}
}

// Policy returns the policy the analyzer enforces.
func (a *Analyzer) Policy() Policy { return a.policy }

// Analyze returns the verdict for source. It never fails: anything that
// prevents a complete analysis is reported as a violation.
func (a *Analyzer) Analyze(ctx context.Context, source string) (verdict Verdict) {
	if len(source) > a.opts.MaxSourceBytes {
		return newVerdict([]Violation{{
			Kind:   KindSizeExceeded,
			Detail: fmt.Sprintf("source is %d bytes, limit is %d", len(source), a.opts.MaxSourceBytes),
		}})
	}

	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("analyzer panic recovered")
			verdict = newVerdict([]Violation{{Kind: KindSyntaxError, Detail: "source could not be analyzed"}})
		}
	}()

	src := []byte(source)

	parser := sitter.NewParser()
	defer parser.Close()
	parser.SetLanguage(python.GetLanguage())

	tree, err := parser.ParseCtx(ctx, nil, src)
	if err != nil || tree == nil {
		return newVerdict([]Violation{{Kind: KindSyntaxError, Detail: "source could not be parsed"}})
	}
	defer tree.Close()

	w := &walker{src: src, policy: a.policy, opts: a.opts, imports: make(map[string]string)}
	w.walk(tree.RootNode())
	return newVerdict(w.violations)
}

type frame struct {
	node   *sitter.Node
	depth  int
	loops  int
	callee bool // node is the function expression of a call
	store  bool // node is the target of a plain assignment
}

type walker struct {
	src    []byte
	policy Policy
	opts   Options

	violations []Violation
	nodes      int

	// bound name -> dotted module, filled in as imports are walked
	imports map[string]string

	syntaxReported bool
	depthReported  bool
	loopReported   bool
}

// walk visits named nodes in source order using an explicit stack, so
// pathological nesting cannot exhaust the goroutine stack.
func (w *walker) walk(root *sitter.Node) {
	stack := []frame{{node: root, depth: 1}}
	push := func(n *sitter.Node, depth, loops int, callee bool) {
		if n != nil {
			stack = append(stack, frame{node: n, depth: depth, loops: loops, callee: callee})
		}
	}
	pushStore := func(n *sitter.Node, depth, loops int) {
		if n != nil {
			stack = append(stack, frame{node: n, depth: depth, loops: loops, store: true})
		}
	}

	for len(stack) > 0 {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		n := f.node

		w.nodes++
		if w.nodes > w.opts.MaxNodes {
			w.add(KindResourceAbuse, n, "syntax tree exceeds %d nodes", w.opts.MaxNodes)
			break
		}
		if f.depth > w.opts.MaxDepth {
			if !w.depthReported {
				w.depthReported = true
				w.add(KindResourceAbuse, n, "nesting depth exceeds %d", w.opts.MaxDepth)
			}
			continue
		}
		if n.IsMissing() {
			w.syntaxError(n, fmt.Sprintf("missing %q", n.Type()))
			continue
		}

		loops := f.loops
		switch n.Type() {
		case "ERROR":
			w.syntaxError(n, "invalid syntax")
		case "import_statement":
			w.checkImport(n)
			continue
		case "import_from_statement":
			w.checkFromImport(n)
			continue
		case "future_import_statement":
			continue
		case "exec_statement":
			if w.policy.ForbiddenCall("exec") {
				w.add(KindForbiddenCall, n, "call to forbidden function %q", "exec")
			}
		case "for_statement", "while_statement":
			loops++
			if loops > w.opts.MaxLoopNesting && !w.loopReported {
				w.loopReported = true
				w.add(KindResourceAbuse, n, "loop nesting depth %d exceeds %d", loops, w.opts.MaxLoopNesting)
			}
		case "identifier":
			w.checkIdentifier(n, f.callee)
		case "attribute":
			w.checkAttribute(n, f.callee, f.store)
			push(n.ChildByFieldName("object"), f.depth+1, loops, false)
			continue
		case "assignment":
			if left := n.ChildByFieldName("left"); left != nil && left.Type() == "attribute" {
				push(n.ChildByFieldName("type"), f.depth+1, loops, false)
				push(n.ChildByFieldName("right"), f.depth+1, loops, false)
				pushStore(left, f.depth+1, loops)
				continue
			}
		case "keyword_argument":
			push(n.ChildByFieldName("value"), f.depth+1, loops, false)
			continue
		case "subscript":
			w.checkSubscript(n)
		case "call":
			push(n.ChildByFieldName("arguments"), f.depth+1, loops, false)
			push(n.ChildByFieldName("function"), f.depth+1, loops, true)
			continue
		}

		for i := int(n.NamedChildCount()) - 1; i >= 0; i-- {
			push(n.NamedChild(i), f.depth+1, loops, false)
		}
	}

	// Errors hidden below a cap still block the submission.
	if root.HasError() && !w.syntaxReported {
		w.syntaxError(nil, "invalid syntax")
	}
}

func (w *walker) add(kind Kind, n *sitter.Node, format string, args ...any) {
	v := Violation{Kind: kind, Detail: fmt.Sprintf(format, args...)}
	if n != nil {
		p := n.StartPoint()
		v.Line = int(p.Row) + 1
		v.Column = int(p.Column) + 1
	}
	w.violations = append(w.violations, v)
}

func (w *walker) syntaxError(n *sitter.Node, detail string) {
	if w.syntaxReported {
		return
	}
	w.syntaxReported = true
	w.add(KindSyntaxError, n, "%s", detail)
}

func (w *walker) text(n *sitter.Node) string {
	return n.Content(w.src)
}

func (w *walker) checkIdentifier(n *sitter.Node, callee bool) {
	name := w.text(n)
	switch {
	case w.policy.ForbiddenCall(name):
		if callee {
			w.add(KindForbiddenCall, n, "call to forbidden function %q", name)
		} else {
			w.add(KindForbiddenCall, n, "reference to forbidden function %q", name)
		}
	case strings.HasPrefix(name, "__") && w.policy.ForbiddenAttribute(name):
		w.add(KindObfuscation, n, "reference to interpreter internal %q", name)
	}
}

// checkAttribute flags obj.name when name is an introspection hook or a
// forbidden method. Methods are flagged whether called or only read, so
// f = obj.eval is caught like e = eval. Plain stores (self.input = x) are
// not reads and only get the introspection check.
func (w *walker) checkAttribute(n *sitter.Node, callee, store bool) {
	attr := n.ChildByFieldName("attribute")
	if attr == nil {
		return
	}
	name := w.text(attr)
	if w.policy.ForbiddenAttribute(name) {
		w.add(KindObfuscation, attr, "access to introspection attribute %q", name)
	}
	if store {
		return
	}
	obj := n.ChildByFieldName("object")
	if !w.policy.ForbiddenMethod(w.boundModule(obj), name) && !(isBuiltinsRef(w, obj) && w.policy.ForbiddenCall(name)) {
		return
	}
	if callee {
		w.add(KindForbiddenCall, attr, "call to forbidden method %q", name)
	} else {
		w.add(KindForbiddenCall, attr, "reference to forbidden method %q", name)
	}
}

// boundModule returns the module an identifier was imported as, or "".
func (w *walker) boundModule(n *sitter.Node) string {
	if n == nil || n.Type() != "identifier" {
		return ""
	}
	return w.imports[w.text(n)]
}

// bind records the name an import statement introduces.
func (w *walker) bind(n *sitter.Node, module string) {
	if n != nil && n.Type() == "aliased_import" {
		if alias := n.ChildByFieldName("alias"); alias != nil {
			w.imports[w.text(alias)] = module
		}
		return
	}
	root, _, _ := strings.Cut(module, ".")
	w.imports[root] = root
}

func isBuiltinsRef(w *walker, n *sitter.Node) bool {
	if n == nil || n.Type() != "identifier" {
		return false
	}
	switch w.text(n) {
	case "builtins", "__builtins__", "__builtin__":
		return true
	}
	return false
}

// checkSubscript flags x["eval"] style lookups that reach a forbidden name
// through a string key.
func (w *walker) checkSubscript(n *sitter.Node) {
	for i := 1; i < int(n.NamedChildCount()); i++ {
		key, ok := w.literal(n.NamedChild(i))
		if !ok {
			continue
		}
		if w.policy.ForbiddenCall(key) || w.policy.ForbiddenAttribute(key) {
			w.add(KindObfuscation, n.NamedChild(i), "subscript lookup of forbidden name %q", key)
		}
	}
}

func (w *walker) literal(n *sitter.Node) (string, bool) {
	if n == nil {
		return "", false
	}
	switch n.Type() {
	case "string":
		return stringLiteral(w.text(n))
	case "concatenated_string":
		var b strings.Builder
		for i := 0; i < int(n.NamedChildCount()); i++ {
			part, ok := w.literal(n.NamedChild(i))
			if !ok {
				return "", false
			}
			b.WriteString(part)
		}
		return b.String(), true
	case "parenthesized_expression":
		return w.literal(n.NamedChild(0))
	}
	return "", false
}

func (w *walker) checkImport(n *sitter.Node) {
	for i := 0; i < int(n.NamedChildCount()); i++ {
		c := n.NamedChild(i)
		target := importTarget(c)
		if target == nil {
			continue
		}
		module := dotted(w.text(target))
		w.checkModule(target, module)
		w.bind(c, module)
	}
}

func (w *walker) checkFromImport(n *sitter.Node) {
	mod := n.ChildByFieldName("module_name")
	var module string
	flagged := false
	if mod != nil {
		switch mod.Type() {
		case "dotted_name":
			module = dotted(w.text(mod))
			flagged = w.checkModule(mod, module)
		case "relative_import":
			for i := 0; i < int(mod.NamedChildCount()); i++ {
				c := mod.NamedChild(i)
				if c != nil && c.Type() == "dotted_name" {
					module = dotted(w.text(c))
					flagged = w.checkModule(c, module)
				}
			}
		}
	}

	for i := 0; i < int(n.NamedChildCount()); i++ {
		c := n.NamedChild(i)
		if c == nil {
			continue
		}
		if mod != nil && c.StartByte() == mod.StartByte() && c.Type() == mod.Type() {
			continue
		}
		target := importTarget(c)
		if target == nil {
			continue
		}
		name := dotted(w.text(target))
		if w.policy.ForbiddenCall(name) {
			w.add(KindForbiddenCall, target, "import of forbidden function %q", name)
		}
		if flagged {
			continue
		}
		full := name
		if module != "" {
			full = module + "." + name
		}
		if c.Type() == "aliased_import" {
			w.bind(c, full)
		} else {
			w.imports[name] = full
		}
		w.checkModule(target, full)
	}
}

// checkModule reports the first dotted prefix of module the policy forbids.
func (w *walker) checkModule(n *sitter.Node, module string) bool {
	prefix := ""
	for _, part := range strings.Split(module, ".") {
		if prefix == "" {
			prefix = part
		} else {
			prefix += "." + part
		}
		if w.policy.ForbiddenModule(prefix) {
			w.add(KindForbiddenImport, n, "import of forbidden module %q", prefix)
			return true
		}
	}
	return false
}

func importTarget(n *sitter.Node) *sitter.Node {
	if n == nil {
		return nil
	}
	switch n.Type() {
	case "dotted_name":
		return n
	case "aliased_import":
		return n.ChildByFieldName("name")
	}
	return nil
}

// dotted strips whitespace and line continuations from a dotted name.
func dotted(s string) string {
	return strings.Join(strings.FieldsFunc(s, func(r rune) bool {
		return r == ' ' || r == '\t' || r == '\n' || r == '\r' || r == '\\'
	}), "")
}
