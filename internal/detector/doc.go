// Package detector performs deterministic static analysis of Python source.
//
// Analysis is a pure function of (path, content, ruleset): the same input
// always yields the same ordered issue list with the same issue IDs. Files
// that fail to parse produce zero issues and a recorded parse error; a batch
// scan continues with the remaining files.
//
// Rules cover three categories. Quality: unused imports and variables,
// unreachable code, cyclomatic complexity. Security: dangerous sink calls
// (eval/exec, unsafe deserialization, shell and SQL injection) and
// hardcoded high-entropy secrets. Performance: string concatenation in
// loops, loop-invariant conditions, and linear scans inside loops.
package detector
