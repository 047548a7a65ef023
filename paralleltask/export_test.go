package paralleltask

var (
	ErrWorkerVanished = errWorkerVanished
	ErrNestedWorker   = errNestedWorker
)
