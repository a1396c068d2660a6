package memlayer

import "fmt"

// recoveredErr turns a recover() value into an error for OnSweepError.
func recoveredErr(r any) error {
	if err, ok := r.(error); ok {
		return err
	}
	return fmt.Errorf("memlayer: panic: %v", r)
}
