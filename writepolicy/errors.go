package writepolicy

import "fmt"

func panicErr(r any) error {
	if err, ok := r.(error); ok {
		return err
	}
	return fmt.Errorf("writepolicy: panic: %v", r)
}
