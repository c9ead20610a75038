// Package translate type-checks WebAssembly function bodies and lowers them
// to a flat IR with a basic-block graph.
//
// Translation tracks reachability per control frame. Code after an
// unconditional branch is still type-checked, with pops below the frame
// floor yielding Unknown, but emits nothing. A frame's continuation is
// reachable when its body fell through, when a reachable branch targeted
// it, or, for an if without else, when the if itself was reachable.
//
// Branch targets are resolved to op indices with the number of stack slots
// to keep and to discard. Every value takes one 64-bit slot except v128,
// which takes two. Function entry and loop headers carry an OpCheckpoint
// where the engine meters fuel and checks epoch deadlines.
//
//	fn, err := translate.TranslateFunction(module, idx)
//	if err != nil {
//		var e *errors.Error
//		if errors.As(err, &e) {
//			fmt.Println(e.Kind, e.Loc.Offset, e.Loc.Depth)
//		}
//	}
package translate
