/*
 *  Copyright (c) 2021 Neil Alexander
 *
 *  This Source Code Form is subject to the terms of the Mozilla Public
 *  License, v. 2.0. If a copy of the MPL was not distributed with this
 *  file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package sqlite3

import (
	"database/sql"
	"fmt"
)

// Writer serialises all write transactions through a single goroutine so
// that SQLite never sees two writers at once.
type Writer struct {
	todo chan writerTask
	done chan struct{}
}

type writerTask struct {
	db   *sql.DB
	txn  *sql.Tx
	f    func(txn *sql.Tx) error
	wait chan error
}

func NewWriter() *Writer {
	w := &Writer{
		todo: make(chan writerTask),
		done: make(chan struct{}),
	}
	go w.run()
	return w
}

func (w *Writer) Do(db *sql.DB, txn *sql.Tx, f func(txn *sql.Tx) error) error {
	task := writerTask{
		db:   db,
		txn:  txn,
		f:    f,
		wait: make(chan error, 1),
	}
	select {
	case w.todo <- task:
	case <-w.done:
		return fmt.Errorf("writer closed")
	}
	return <-task.wait
}

func (w *Writer) Close() {
	select {
	case <-w.done:
	default:
		close(w.done)
	}
}

func (w *Writer) run() {
	for {
		select {
		case <-w.done:
			return
		case task := <-w.todo:
			task.wait <- w.execute(task)
		}
	}
}

func (w *Writer) execute(task writerTask) (err error) {
	if task.txn != nil {
		return task.f(task.txn)
	}
	txn, err := task.db.Begin()
	if err != nil {
		return fmt.Errorf("db.Begin: %w", err)
	}
	defer func() {
		if r := recover(); r != nil {
			_ = txn.Rollback()
			err = fmt.Errorf("writer panic: %v", r)
		}
	}()
	if err = task.f(txn); err != nil {
		_ = txn.Rollback()
		return err
	}
	if err = txn.Commit(); err != nil {
		return fmt.Errorf("txn.Commit: %w", err)
	}
	return nil
}
