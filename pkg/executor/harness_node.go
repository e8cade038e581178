package executor

// nodeHarness is the JSON-lines REPL run under "node -e". It mirrors the
// Python harness: requests on stdin, events on stdout, one context shared
// across executions. TypeScript kernels use the same harness; type syntax
// is the caller's responsibility.
//
// SIGINT cannot preempt synchronous JavaScript; a stuck execution is killed
// by the Go side after the interrupt grace period and the executor turns
// dead, which matches worker-thread terminate semantics.
const nodeHarness = `
'use strict';
const readline = require('readline');
const util = require('util');
const vm = require('vm');

function emit(obj) {
  process.stdout.write(JSON.stringify(obj) + '\n');
}

function streamText(args, name) {
  const text = args.map(function (a) {
    return typeof a === 'string' ? a : util.inspect(a);
  }).join(' ') + '\n';
  emit({ type: 'stream', name: name, text: text });
}

const sandbox = {
  console: {
    log: function () { streamText(Array.from(arguments), 'stdout'); },
    info: function () { streamText(Array.from(arguments), 'stdout'); },
    warn: function () { streamText(Array.from(arguments), 'stderr'); },
    error: function () { streamText(Array.from(arguments), 'stderr'); }
  },
  require: require,
  Buffer: Buffer,
  setTimeout: setTimeout,
  clearTimeout: clearTimeout,
  setInterval: setInterval,
  clearInterval: clearInterval,
  URL: URL,
  JSON: JSON,
  Math: Math,
  Date: Date
};
vm.createContext(sandbox);

process.on('SIGINT', function () {
  // Sync code cannot be preempted; the supervisor escalates if needed
});

async function execute(code) {
  try {
    let result = vm.runInContext(code, sandbox, { filename: '<session>' });
    if (result && typeof result.then === 'function') {
      result = await result;
    }
    if (result !== undefined) {
      emit({ type: 'execute_result', data: { 'text/plain': util.inspect(result) } });
    }
    emit({ type: 'done' });
  } catch (e) {
    emit({
      type: 'execute_error',
      ename: (e && e.name) || 'Error',
      evalue: (e && e.message) || String(e),
      traceback: e && e.stack ? String(e.stack).split('\n') : []
    });
  }
}

const rl = readline.createInterface({ input: process.stdin, terminal: false });
let queue = Promise.resolve();
rl.on('line', function (line) {
  line = line.trim();
  if (!line) { return; }
  let req;
  try {
    req = JSON.parse(line);
  } catch (e) {
    return;
  }
  if (req.op === 'ping') {
    emit({ type: 'pong' });
  } else if (req.op === 'execute') {
    queue = queue.then(function () { return execute(req.code || ''); });
  }
});
rl.on('close', function () { process.exit(0); });
`
