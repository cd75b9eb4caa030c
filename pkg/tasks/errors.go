package tasks

import "errors"

// ErrPermanent 标记一个不应再重试的任务失败。
var ErrPermanent = errors.New("permanent task failure")

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }

func (e *permanentError) Unwrap() []error { return []error{e.err, ErrPermanent} }

// Permanent 包装 err，使消费者直接提交而不是重试。
func Permanent(err error) error {
	if err == nil || IsPermanent(err) {
		return err
	}
	return &permanentError{err: err}
}

// IsPermanent 报告 err 链上是否带有永久失败标记。
func IsPermanent(err error) bool {
	return errors.Is(err, ErrPermanent)
}
