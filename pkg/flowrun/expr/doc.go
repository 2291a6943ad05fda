/*
Package expr evaluates edge conditions against a run's state map.

# Overview

Conditions are small Python-flavoured expressions. They are parsed into a
syntax tree and interpreted; nothing is ever handed to a general-purpose
evaluator. The only names in scope are `state` and the functions
len, max, min, abs and sum.

# Expression Syntax

	or         := and ('or' and)*
	and        := not ('and' not)*
	not        := 'not' not | comparison
	comparison := sum (('<' | '>' | '<=' | '>=' | '==' | '!=') sum)*
	sum        := term (('+' | '-') term)*
	term       := unary (('*' | '/') unary)*
	unary      := ('-' | '+') unary | postfix
	postfix    := primary ('[' or ']' | '.' name | '(' args ')')*
	primary    := number | string | True | False | None | true | false | null
	            | state | function | '(' or ')' | '[' list ']'

Comparisons chain the way Python's do: `1 < state['n'] <= 10`.

# State Access

	state['score']            explicit dereference; missing key is an error
	state.get('score')        missing key yields None
	state.get('score', 0)     missing key yields the default
	state.score               missing key yields None

Subscripts also index nested maps and lists: `state['issues'][0]`.

# Examples

	vars := map[string]any{"quality_score": 6.5, "issues": []any{"a", "b"}}
	ok, _ := expr.Eval("state['quality_score'] < 8", vars)         // true
	ok, _ = expr.Eval("len(state['issues']) > 1 and not state.get('done')", vars) // true

# Errors

Every failure wraps one of the sentinel errors:

	ErrConditionSyntax   the text does not parse
	ErrUnsafeExpression  a name, attribute or call outside the allowed closure
	ErrMissingStateKey   a subscript named a key or index that is not present
	ErrEvaluation        a type error at runtime (e.g. 'a' < 1, division by zero)

# Truthiness

The result is reduced to a boolean Python-style:

  - None: false
  - bool: the boolean value
  - numbers: false if zero
  - strings, lists, maps: false if empty
  - other types: true
*/
package expr
