// Package child implements the child side of the worker protocol, so that
// worker children can be written in Go.
//
// A child program registers its task methods in a Module and hands a
// Resolver to Serve:
//
//	func main() {
//		err := child.Serve(context.Background(), func(path string) (*child.Module, error) {
//			return &child.Module{
//				Methods: map[string]child.Method{
//					"resize": resize,
//				},
//			}, nil
//		})
//		if err != nil {
//			log.Fatal(err)
//		}
//	}
//
// Errors returned by a method reach the parent as client errors carrying
// their kind, so well-known errors such as context.DeadlineExceeded are
// rebuilt there and match with errors.Is.
package child
