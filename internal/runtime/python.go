package runtime

const DefaultPythonInterpreter = "python3"

// PythonRuntime runs submissions with CPython in isolated mode.
type PythonRuntime struct {
	Interpreter string
}

func NewPython(interpreter string) *PythonRuntime {
	if interpreter == "" {
		interpreter = DefaultPythonInterpreter
	}
	return &PythonRuntime{Interpreter: interpreter}
}

func (p *PythonRuntime) Name() string { return "python" }

func (p *PythonRuntime) Command(codePath string) []string {
	return []string{
		p.Interpreter,
		"-I", // Isolated: no PYTHON* env, no user site, script dir not on sys.path
		"-B", // Don't write .pyc files
		"-u", // Unbuffered, so output survives a kill
		codePath,
	}
}

func (p *PythonRuntime) FileExtension() string { return ".py" }

func (p *PythonRuntime) Env() []string {
	return []string{
		"PYTHONIOENCODING=utf-8",
		"PYTHONDONTWRITEBYTECODE=1",
	}
}
