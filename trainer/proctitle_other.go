//go:build !linux

package trainer

func setProcTitle(title string) {}
