package engine

// Makes the progress of a session durable. begin and end emit the progress
// events surrounding the operation, persist does the actual work and is run
// under the error policy. Fail results are treated as Abort.
type checkpointer struct {
	policy  *policy
	persist func() error
	begin   func()
	end     func()
	failure func() ErrorEvent

	// Number of successful checkpoints
	count int
}

func (c *checkpointer) checkpoint() error {
	c.begin()

	err := c.policy.withRetry(c.failure(), c.persist)
	if err != nil {
		c.policy.log.Errorf("checkpoint failed: %v", err)
		return err
	}

	c.count++
	c.end()
	return nil
}

// Checkpoint after an unrecoverable failure; err is returned whatever happens
func (c *checkpointer) unwind(err error) error {
	if cerr := c.checkpoint(); cerr != nil {
		c.policy.log.Warnf("cannot checkpoint after failure: %v", cerr)
	}
	return err
}
