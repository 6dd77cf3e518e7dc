// Package behavior implements a behavior-tree evaluator.
//
// A tree is built from leaves (Action, Condition, Wait) and the composites
// Sequence, Selector and Parallel, then handed to NewTree. The owner calls
// Tree.Tick once per control cycle; the whole evaluation completes before
// Tick returns. Running is a verdict, not a suspended goroutine: a node that
// returns Running is resumed by the next call to Tick.
//
// Every tick of every node goes through the same lifecycle: OnEnter when a
// run starts, the variant's evaluation, OnExit when the verdict is terminal,
// then a Record on the tree's Bus. Errors and panics raised by leaf code fail
// that leaf for the cycle and are forwarded to the ErrorSink.
package behavior
