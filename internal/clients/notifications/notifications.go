package notifications

type Notifier interface {
	NotifyTransferComplete(name string, savePath string)
	NotifyTransferError(name string, detail string)
	NotifyMoved(name string, destination string)
	Test() error
}
