package executor

// pythonHarness is the JSON-lines REPL run under "python3 -u -c". It reads
// one request per line on stdin and writes one event per line on stdout.
// User stdout/stderr writes become stream events; the value of a trailing
// expression becomes an execute_result; exceptions become execute_error.
// "done" marks the end of a successful execution.
const pythonHarness = `
import ast
import io
import json
import sys
import traceback

_real_out = sys.stdout

def _emit(obj):
    json.dump(obj, _real_out)
    _real_out.write("\n")
    _real_out.flush()

class _StreamWriter(io.TextIOBase):
    def __init__(self, name):
        self.name = name
    def write(self, text):
        if text:
            _emit({"type": "stream", "name": self.name, "text": text})
        return len(text)
    def writable(self):
        return True
    def flush(self):
        pass

_globals = {"__name__": "__main__"}

def _execute(code):
    try:
        tree = ast.parse(code, mode="exec")
    except SyntaxError as e:
        _emit({"type": "execute_error", "ename": "SyntaxError",
               "evalue": str(e),
               "traceback": traceback.format_exception_only(type(e), e)})
        return
    tail = None
    if tree.body and isinstance(tree.body[-1], ast.Expr):
        tail = ast.Expression(tree.body.pop().value)
    sys.stdout = _StreamWriter("stdout")
    sys.stderr = _StreamWriter("stderr")
    try:
        exec(compile(tree, "<session>", "exec"), _globals)
        if tail is not None:
            value = eval(compile(tail, "<session>", "eval"), _globals)
            if value is not None:
                _emit({"type": "execute_result",
                       "data": {"text/plain": repr(value)}})
        _emit({"type": "done"})
    except KeyboardInterrupt:
        _emit({"type": "execute_error", "ename": "KeyboardInterrupt",
               "evalue": "execution interrupted"})
    except BaseException as e:
        _emit({"type": "execute_error", "ename": type(e).__name__,
               "evalue": str(e),
               "traceback": traceback.format_exc().splitlines()})
    finally:
        sys.stdout = _real_out
        sys.stderr = sys.__stderr__

while True:
    try:
        line = sys.stdin.readline()
    except KeyboardInterrupt:
        continue
    if not line:
        break
    line = line.strip()
    if not line:
        continue
    try:
        req = json.loads(line)
    except ValueError:
        continue
    op = req.get("op")
    if op == "ping":
        _emit({"type": "pong"})
    elif op == "execute":
        _execute(req.get("code", ""))
`
